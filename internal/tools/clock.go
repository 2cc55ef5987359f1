package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type clockArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA time zone name such as Europe/Paris. Defaults to the server zone."`
}

// Clock reports the current time.
type Clock struct {
	now func() time.Time
}

func NewClock() *Clock { return &Clock{now: time.Now} }

func (c *Clock) Name() string { return "clock" }

func (c *Clock) Description() string {
	return "Get the current date and time, optionally in a specific time zone"
}

func (c *Clock) InputSchema() map[string]any { return SchemaFor(clockArgs{}) }

func (c *Clock) Execute(_ context.Context, input string) (string, error) {
	var args clockArgs
	if strings.TrimSpace(input) != "" {
		if err := json.Unmarshal([]byte(input), &args); err != nil {
			return "", fmt.Errorf("parsing clock input: %w", err)
		}
	}
	now := c.now()
	if args.Timezone != "" {
		loc, err := time.LoadLocation(args.Timezone)
		if err != nil {
			return "", fmt.Errorf("unknown time zone %q", args.Timezone)
		}
		now = now.In(loc)
	}
	return now.Format("Monday, January 2, 2006 at 3:04 PM MST"), nil
}
