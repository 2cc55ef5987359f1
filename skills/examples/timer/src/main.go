//go:build wasip1

package main

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-voice/skills/examples/internal/host"
)

type timerRequest struct {
	Seconds int    `json:"seconds"`
	Label   string `json:"label"`
}

func main() {
	host.Log("timer skill invocation")

	var req timerRequest
	if err := host.Args(&req); err != nil {
		host.Fail("failed to decode timer request: " + err.Error())
	}
	if req.Seconds <= 0 {
		host.Fail("timer duration must be positive")
	}
	label := req.Label
	if label == "" {
		label = "timer"
	}
	delay := time.Duration(req.Seconds) * time.Second
	ends := time.Now().Add(delay).UTC().Format("15:04:05 UTC")

	host.Log(fmt.Sprintf("starting %s for %s", label, delay))
	host.Reply(fmt.Sprintf("The %s is set for %s and ends at %s.", label, delay, ends))
}
