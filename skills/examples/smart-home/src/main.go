//go:build wasip1

package main

import (
	"encoding/json"
	"os"

	"github.com/loqalabs/loqa-voice/skills/examples/internal/host"
)

type intent struct {
	Room    string `json:"room"`
	Device  string `json:"device"`
	Action  string `json:"action"`
	Payload string `json:"payload,omitempty"`
}

func main() {
	endpoint := os.Getenv("HOMEASSISTANT_URL")
	if endpoint == "" {
		endpoint = "http://localhost:8123"
	}

	var cmd intent
	if err := host.Args(&cmd); err != nil {
		host.Fail("failed to parse intent: " + err.Error())
	}
	if cmd.Action == "" || cmd.Device == "" {
		host.Fail("intent missing required fields: action/device")
	}

	status := map[string]string{
		"device":   cmd.Device,
		"action":   cmd.Action,
		"room":     cmd.Room,
		"state":    "forwarded",
		"endpoint": endpoint,
	}
	if cmd.Payload != "" {
		status["payload"] = cmd.Payload
	}
	data, err := json.Marshal(status)
	if err != nil {
		host.Fail("failed to encode status: " + err.Error())
	}
	host.Log("forwarding " + cmd.Action + " to " + cmd.Device)
	host.Reply(string(data))
}
