package realtime

import (
	"strings"

	"go.uber.org/zap"
)

// Defaults substituted when a requested value is outside the whitelist.
const (
	DefaultModel              = "gpt-4o-realtime-preview-2024-10-01"
	DefaultVoice              = "alloy"
	DefaultAudioFormat        = "pcm16"
	DefaultTranscriptionModel = "whisper-1"
	DefaultTemperature        = 0.8
	DefaultMaxOutputTokens    = 4096

	DefaultVADThreshold         = 0.5
	DefaultVADPrefixPaddingMS   = 300
	DefaultVADSilenceDurationMS = 500
)

var supportedModels = map[string]struct{}{
	"gpt-4o-realtime-preview-2024-10-01":      {},
	"gpt-4o-realtime-preview-2024-12-17":      {},
	"gpt-4o-mini-realtime-preview-2024-12-17": {},
}

var supportedVoices = map[string]struct{}{
	"alloy":   {},
	"ash":     {},
	"ballad":  {},
	"coral":   {},
	"echo":    {},
	"sage":    {},
	"shimmer": {},
	"verse":   {},
}

var supportedAudioFormats = map[string]struct{}{
	"pcm16":     {},
	"g711_ulaw": {},
	"g711_alaw": {},
}

// SessionOptions are the caller-tunable parameters of a session. Zero values
// select the documented defaults.
type SessionOptions struct {
	Model              string
	Voice              string
	Instructions       string
	InputAudioFormat   string
	OutputAudioFormat  string
	TranscriptionModel string
	Temperature        float64
	MaxOutputTokens    int

	VADThreshold         float64
	VADPrefixPaddingMS   int
	VADSilenceDurationMS int
}

// Normalize validates opts against the supported whitelists, substituting the
// documented default (with a warning) for anything unsupported.
func (o SessionOptions) Normalize(logger *zap.Logger) SessionOptions {
	if logger == nil {
		logger = zap.NewNop()
	}

	o.Model = strings.TrimSpace(o.Model)
	if o.Model == "" {
		o.Model = DefaultModel
	} else if _, ok := supportedModels[o.Model]; !ok {
		logger.Warn("unsupported model, substituting default",
			zap.String("requested", o.Model), zap.String("default", DefaultModel))
		o.Model = DefaultModel
	}

	o.Voice = strings.TrimSpace(o.Voice)
	if o.Voice == "" {
		o.Voice = DefaultVoice
	} else if _, ok := supportedVoices[o.Voice]; !ok {
		logger.Warn("unsupported voice, substituting default",
			zap.String("requested", o.Voice), zap.String("default", DefaultVoice))
		o.Voice = DefaultVoice
	}

	o.InputAudioFormat = normalizeFormat(o.InputAudioFormat, logger)
	o.OutputAudioFormat = normalizeFormat(o.OutputAudioFormat, logger)

	if strings.TrimSpace(o.TranscriptionModel) == "" {
		o.TranscriptionModel = DefaultTranscriptionModel
	}
	if o.Temperature <= 0 {
		o.Temperature = DefaultTemperature
	}
	if o.MaxOutputTokens <= 0 {
		o.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if o.VADThreshold <= 0 || o.VADThreshold > 1 {
		o.VADThreshold = DefaultVADThreshold
	}
	if o.VADPrefixPaddingMS <= 0 {
		o.VADPrefixPaddingMS = DefaultVADPrefixPaddingMS
	}
	if o.VADSilenceDurationMS <= 0 {
		o.VADSilenceDurationMS = DefaultVADSilenceDurationMS
	}
	return o
}

func normalizeFormat(format string, logger *zap.Logger) string {
	format = strings.TrimSpace(format)
	if format == "" {
		return DefaultAudioFormat
	}
	if _, ok := supportedAudioFormats[format]; !ok {
		logger.Warn("unsupported audio format, substituting default",
			zap.String("requested", format), zap.String("default", DefaultAudioFormat))
		return DefaultAudioFormat
	}
	return format
}

// sessionConfig builds the session.update payload for normalized options.
func (o SessionOptions) sessionConfig() SessionConfig {
	return SessionConfig{
		Modalities:        []string{"text", "audio"},
		Instructions:      o.Instructions,
		Voice:             o.Voice,
		InputAudioFormat:  o.InputAudioFormat,
		OutputAudioFormat: o.OutputAudioFormat,
		InputAudioTranscription: &TranscriptionConfig{
			Model: o.TranscriptionModel,
		},
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         o.VADThreshold,
			PrefixPaddingMS:   o.VADPrefixPaddingMS,
			SilenceDurationMS: o.VADSilenceDurationMS,
		},
		Temperature:             o.Temperature,
		MaxResponseOutputTokens: o.MaxOutputTokens,
	}
}
