package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/event"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

// Synthesis speaks agent text. Chunks are grouped by the chunking policy,
// sent on one long-lived synthesizer stream and ended per turn, and the
// returned audio is emitted as tts_chunk events tagged with its turn.
type Synthesis struct {
	synth  tts.Synthesizer
	policy string
	log    *slog.Logger
}

func NewSynthesis(synth tts.Synthesizer, policy string, logger *slog.Logger) *Synthesis {
	return &Synthesis{synth: synth, policy: policy, log: logger.With(slog.String("component", "pipeline.synthesis"))}
}

func (s *Synthesis) Name() string { return "synthesis" }

// synthConn is one open synthesizer stream. pending holds, in order, the
// turns whose audio has not been fully flushed yet.
type synthConn struct {
	stream tts.Stream
	done   chan struct{}

	mu      sync.Mutex
	pending []int
	last    int
	dead    bool
}

func (c *synthConn) isDead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead
}

// tag returns the turn the next audio chunk belongs to.
func (c *synthConn) tag() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return 0, false
	}
	if len(c.pending) > 0 {
		return c.pending[0], true
	}
	return c.last, c.last != 0
}

func (c *synthConn) flushed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) > 0 {
		c.last = c.pending[0]
		c.pending = c.pending[1:]
	}
}

type synthesisRun struct {
	s   *Synthesis
	ctx context.Context
	out chan<- event.Event
	log *slog.Logger

	chunker    *tts.Chunker
	active     int
	activeSent bool
	conn       *synthConn
	conns      []*synthConn
	closers    sync.WaitGroup

	mu     sync.Mutex
	failed map[int]bool
}

func (s *Synthesis) Run(ctx context.Context, in <-chan event.Event, out chan<- event.Event) error {
	run := &synthesisRun{
		s:       s,
		ctx:     ctx,
		out:     out,
		log:     s.log,
		chunker: tts.NewChunker(s.policy),
		failed:  make(map[int]bool),
	}
	for {
		select {
		case e, ok := <-in:
			if !ok {
				run.finish()
				return ctx.Err()
			}
			if err := send(ctx, out, e); err != nil {
				run.abort()
				return err
			}
			run.handle(e)
		case <-ctx.Done():
			run.abort()
			return ctx.Err()
		}
	}
}

func (r *synthesisRun) handle(e event.Event) {
	switch e.Kind {
	case event.KindAgentChunk:
		if r.isFailed(e.Turn) {
			return
		}
		if e.Turn != r.active {
			r.endActive()
			r.active = e.Turn
		}
		for _, seg := range r.chunker.Push(e.Text) {
			r.sendText(seg)
		}
	case event.KindAgentEnd:
		if e.Turn == r.active {
			r.endActive()
		}
	case event.KindError:
		// A failed generation still speaks what it produced.
		if !e.Fatal() && e.Turn != 0 && e.Turn == r.active {
			r.endActive()
		}
	}
}

func (r *synthesisRun) isFailed(turn int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed[turn]
}

// failTurns marks turns failed and reports each one once.
func (r *synthesisRun) failTurns(turns []int, err error) {
	if r.ctx.Err() != nil {
		return
	}
	for _, turn := range turns {
		r.mu.Lock()
		seen := r.failed[turn]
		r.failed[turn] = true
		r.mu.Unlock()
		if seen {
			continue
		}
		r.log.Warn("synthesis failed", slog.Int("turn", turn), slogError(err))
		_ = send(r.ctx, r.out, turnError(turn, err))
	}
}

// ensureConn returns a live stream, opening one when the last has died.
func (r *synthesisRun) ensureConn() (*synthConn, error) {
	if r.conn != nil && !r.conn.isDead() {
		return r.conn, nil
	}
	r.conn = nil
	stream, err := r.s.synth.Open(r.ctx)
	if err != nil {
		return nil, err
	}
	c := &synthConn{stream: stream, done: make(chan struct{})}
	r.conn = c
	r.conns = append(r.conns, c)
	go r.receive(c)
	return c, nil
}

func (r *synthesisRun) sendText(text string) {
	if text == "" || r.active == 0 {
		return
	}
	turn := r.active
	c, err := r.ensureConn()
	if err != nil {
		r.failTurns([]int{turn}, event.AsError(err, event.ErrUpstreamService))
		r.chunker.Reset()
		return
	}
	if !r.activeSent {
		c.mu.Lock()
		c.pending = append(c.pending, turn)
		c.mu.Unlock()
		r.activeSent = true
	}
	if err := c.stream.SendText(r.ctx, text); err != nil {
		r.fail(c, err)
	}
}

// endActive flushes the active turn's remaining text and closes its
// utterance on the stream.
func (r *synthesisRun) endActive() {
	if r.active == 0 {
		return
	}
	if r.isFailed(r.active) {
		r.chunker.Reset()
	} else {
		r.sendText(r.chunker.Flush())
		if r.activeSent && r.conn != nil && !r.conn.isDead() && !r.isFailed(r.active) {
			if err := r.conn.stream.EndUtterance(r.ctx); err != nil {
				r.fail(r.conn, err)
			}
		}
	}
	r.active = 0
	r.activeSent = false
}

// fail retires a stream. Every turn still waiting on it fails; later text
// opens a fresh stream.
func (r *synthesisRun) fail(c *synthConn, err error) {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return
	}
	c.dead = true
	turns := c.pending
	c.pending = nil
	c.mu.Unlock()

	r.failTurns(turns, err)
	r.closers.Add(1)
	go func() {
		defer r.closers.Done()
		if err := c.stream.Close(r.ctx); err != nil {
			r.log.Debug("closing failed synthesis stream", slogError(err))
		}
	}()
}

func (r *synthesisRun) receive(c *synthConn) {
	defer close(c.done)
	for chunk, err := range tts.Audio(r.ctx, c.stream) {
		if err != nil {
			if r.ctx.Err() == nil {
				r.fail(c, err)
			}
			return
		}
		if chunk.Flushed {
			c.flushed()
			continue
		}
		turn, ok := c.tag()
		if !ok || len(chunk.Audio) == 0 || r.isFailed(turn) {
			continue
		}
		if send(r.ctx, r.out, event.TTSChunk(turn, chunk.Audio)) != nil {
			return
		}
	}
}

// finish ends the active utterance and drains every stream.
func (r *synthesisRun) finish() {
	r.endActive()
	for _, c := range r.conns {
		if !c.isDead() {
			if err := c.stream.Close(r.ctx); err != nil {
				r.log.Debug("closing synthesis stream", slogError(err))
			}
		}
		<-c.done
	}
	r.closers.Wait()
}

// abort drops unrendered text and tears every stream down.
func (r *synthesisRun) abort() {
	for _, c := range r.conns {
		if !c.isDead() {
			_ = c.stream.Clear(r.ctx)
			_ = c.stream.Close(r.ctx)
		}
		<-c.done
	}
	r.closers.Wait()
}
