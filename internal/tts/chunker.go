package tts

import (
	"strings"
	"unicode"
)

const (
	PolicySentence  = "sentence"
	PolicyImmediate = "immediate"

	// maxPending bounds how much text the sentence policy holds back when
	// no boundary shows up.
	maxPending = 200
)

// Chunker groups streamed text into synthesis requests. The concatenation
// of every segment it returns always equals the concatenation of its input.
type Chunker struct {
	policy  string
	pending strings.Builder
}

func NewChunker(policy string) *Chunker {
	if policy != PolicyImmediate {
		policy = PolicySentence
	}
	return &Chunker{policy: policy}
}

// Push adds text and returns the segments ready to send.
func (c *Chunker) Push(text string) []string {
	if text == "" {
		return nil
	}
	if c.policy == PolicyImmediate {
		return []string{text}
	}
	c.pending.WriteString(text)
	buf := c.pending.String()
	cut := lastBoundary(buf)
	if cut <= 0 && len(buf) > maxPending {
		cut = strings.LastIndexFunc(buf, unicode.IsSpace) + 1
		if cut <= 0 {
			cut = len(buf)
		}
	}
	if cut <= 0 {
		return nil
	}
	c.pending.Reset()
	c.pending.WriteString(buf[cut:])
	return []string{buf[:cut]}
}

// Flush returns whatever is still pending.
func (c *Chunker) Flush() string {
	rest := c.pending.String()
	c.pending.Reset()
	return rest
}

// Reset drops pending text.
func (c *Chunker) Reset() { c.pending.Reset() }

// lastBoundary returns the index just past the last sentence terminator
// that is followed by whitespace, or 0.
func lastBoundary(s string) int {
	for i := len(s) - 2; i >= 0; i-- {
		switch s[i] {
		case '.', '!', '?', ';', ':', '\n':
			if s[i] == '\n' || unicode.IsSpace(rune(s[i+1])) {
				return i + 1
			}
		}
	}
	return 0
}
