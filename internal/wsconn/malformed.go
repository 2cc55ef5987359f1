package wsconn

import (
	"github.com/loqalabs/loqa-voice/internal/event"
)

// MalformedGuard counts consecutive vendor messages that did not parse.
// A single bad message is skipped; a run longer than Limit means the
// connection is unusable.
type MalformedGuard struct {
	Limit int
	run   int
}

// Observe records one message outcome. It returns a non-nil error once the
// run of malformed messages exceeds the limit.
func (g *MalformedGuard) Observe(parseErr error) error {
	if parseErr == nil {
		g.run = 0
		return nil
	}
	g.run++
	limit := g.Limit
	if limit <= 0 {
		limit = 5
	}
	if g.run > limit {
		return event.Errorf(event.ErrUpstreamService, "%d consecutive malformed messages, last: %v", g.run, parseErr)
	}
	return nil
}

// Truncate shortens payloads for log lines.
func Truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
