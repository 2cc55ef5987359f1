package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/event"
	"github.com/muesli/reflow/wordwrap"
	"github.com/spf13/cobra"
)

var (
	partialStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
	userStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	agentStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	toolStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type streamOptions struct {
	url        string
	file       string
	out        string
	chunkMS    int
	trailingMS int
	outRate    int
	width      int
	partials   bool
}

func newStreamCmd() *cobra.Command {
	var opts streamOptions
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream a WAV file through a running server and print the conversation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runStream(ctx, opts, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.url, "url", "ws://localhost:8080/v1/voice", "Voice websocket URL")
	f.StringVar(&opts.file, "file", "", "16-bit PCM WAV file to send")
	f.StringVar(&opts.out, "out", "", "Write the synthesized reply to this WAV file")
	f.IntVar(&opts.chunkMS, "chunk-ms", 40, "Audio frame length in milliseconds")
	f.IntVar(&opts.trailingMS, "trailing-ms", 1000, "Silence appended after the file")
	f.IntVar(&opts.outRate, "out-rate", 24000, "Sample rate of the server's synthesized audio")
	f.IntVar(&opts.width, "width", 80, "Wrap printed text at this width")
	f.BoolVar(&opts.partials, "partials", false, "Print partial transcripts")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runStream(ctx context.Context, opts streamOptions, w io.Writer) error {
	if opts.chunkMS <= 0 {
		return errors.New("--chunk-ms must be positive")
	}
	pcm, rate, err := readWAV(opts.file)
	if err != nil {
		return err
	}

	target, err := url.Parse(opts.url)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	q := target.Query()
	q.Set("sample_rate", strconv.Itoa(rate))
	target.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target.Redacted(), err)
	}
	defer conn.Close()
	fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("connected to %s, streaming %s at %d Hz", target.Host, opts.file, rate)))

	received := make(chan []byte, 1)
	go func() {
		received <- readEvents(conn, w, opts)
	}()

	frameBytes := rate * opts.chunkMS / 1000 * 2
	silence := make([]byte, rate*opts.trailingMS/1000*2)
	if err := sendPaced(ctx, conn, append(pcm, silence...), frameBytes, time.Duration(opts.chunkMS)*time.Millisecond); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)); err != nil {
		return fmt.Errorf("send stop: %w", err)
	}

	var reply []byte
	select {
	case reply = <-received:
	case <-ctx.Done():
		return ctx.Err()
	}

	fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("received %d bytes of audio", len(reply))))
	if opts.out != "" && len(reply) > 0 {
		if err := writeWAV(opts.out, reply, opts.outRate); err != nil {
			return err
		}
		fmt.Fprintln(w, okStyle.Render("wrote "+opts.out))
	}
	return nil
}

// sendPaced writes pcm in frame-sized binary messages at real-time pace.
func sendPaced(ctx context.Context, conn *websocket.Conn, pcm []byte, frameBytes int, every time.Duration) error {
	if frameBytes <= 0 {
		frameBytes = 2
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for off := 0; off < len(pcm); off += frameBytes {
		end := min(off+frameBytes, len(pcm))
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[off:end]); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// readEvents prints every text event and returns the collected audio once
// the server closes the stream.
func readEvents(conn *websocket.Conn, w io.Writer, opts streamOptions) []byte {
	var audioOut []byte
	var line strings.Builder
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if line.Len() > 0 {
				fmt.Fprintln(w, agentStyle.Render(wordwrap.String(line.String(), opts.width)))
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				fmt.Fprintln(w, errorStyle.Render("connection: "+err.Error()))
			}
			return audioOut
		}
		if kind == websocket.BinaryMessage {
			audioOut = append(audioOut, data...)
			continue
		}
		e, err := event.Decode(data)
		if err != nil {
			fmt.Fprintln(w, errorStyle.Render(err.Error()))
			continue
		}
		if e.Kind == event.KindAgentChunk {
			line.WriteString(e.Text)
			continue
		}
		if line.Len() > 0 {
			fmt.Fprintln(w, agentStyle.Render(wordwrap.String(line.String(), opts.width)))
			line.Reset()
		}
		if out := render(e, opts.width, opts.partials); out != "" {
			fmt.Fprintln(w, out)
		}
	}
}

// render formats one non-streamed event for the terminal.
func render(e event.Event, width int, partials bool) string {
	turn := dimStyle.Render(fmt.Sprintf("[%d]", e.Turn))
	switch e.Kind {
	case event.KindSTTChunk:
		if !partials {
			return ""
		}
		return turn + " " + partialStyle.Render(wordwrap.String(e.Transcript, width))
	case event.KindSTTOutput:
		return turn + " " + userStyle.Render("you: ") + wordwrap.String(e.Transcript, width)
	case event.KindToolCall:
		if e.Tool == nil {
			return ""
		}
		return turn + " " + toolStyle.Render(fmt.Sprintf("%s(%s) -> %s", e.Tool.Name, e.Tool.Args, e.Tool.Result))
	case event.KindAgentEnd:
		return turn + " " + dimStyle.Render("end of reply")
	case event.KindError:
		if e.Err == nil {
			return ""
		}
		label := "error"
		if e.Err.Fatal {
			label = "fatal"
		}
		return turn + " " + errorStyle.Render(fmt.Sprintf("%s %s: %s", label, e.Err.Kind, e.Err.Message))
	}
	return ""
}

// readWAV returns mono 16-bit little-endian PCM and the file's sample rate.
// Multi-channel files keep only their first channel.
func readWAV(path string) ([]byte, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("%s is not a valid WAV file", path)
	}
	if dec.BitDepth != 16 {
		return nil, 0, fmt.Errorf("%s: expected 16-bit PCM, got %d-bit", path, dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", path, err)
	}
	return monoPCM(buf), int(dec.SampleRate), nil
}

func monoPCM(buf *audio.IntBuffer) []byte {
	channels := 1
	if buf.Format != nil && buf.Format.NumChannels > 1 {
		channels = buf.Format.NumChannels
	}
	out := make([]byte, 0, len(buf.Data)/channels*2)
	for i := 0; i < len(buf.Data); i += channels {
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(buf.Data[i])))
	}
	return out
}

func writeWAV(path string, pcm []byte, rate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: rate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("finalize %s: %w", path, err)
	}
	return f.Close()
}
