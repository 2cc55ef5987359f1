package presence

import (
	"strconv"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/tools"
)

// LocalCapabilities describes the configured providers and every tool the
// agent can call.
func LocalCapabilities(cfg config.Config, registry *tools.Registry) []protocol.Capability {
	caps := []protocol.Capability{
		{
			Name:     "stt",
			Provider: cfg.STT.Mode,
			Attributes: map[string]string{
				"model":       cfg.STT.Model,
				"language":    cfg.STT.Language,
				"sample_rate": strconv.Itoa(cfg.STT.SampleRate),
			},
		},
		{
			Name:       "llm",
			Provider:   cfg.LLM.Mode,
			Attributes: map[string]string{"model": cfg.LLM.Model},
		},
		{
			Name:     "tts",
			Provider: cfg.TTS.Mode,
			Attributes: map[string]string{
				"model":       cfg.TTS.Model,
				"sample_rate": strconv.Itoa(cfg.TTS.SampleRate),
			},
		},
	}
	if registry == nil {
		return caps
	}
	for _, tool := range registry.All() {
		caps = append(caps, protocol.Capability{Name: "tool", Provider: tool.Name()})
	}
	return caps
}
