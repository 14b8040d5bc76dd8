package core

import (
	"context"
	"fmt"
)

// AudioFormat is the container/codec of synthesized audio, used as the file
// extension of playback artifacts.
type AudioFormat string

const (
	AudioFormatMP3 AudioFormat = "mp3"
	AudioFormatWAV AudioFormat = "wav"
	AudioFormatOgg AudioFormat = "ogg"
)

// Audio is a complete synthesized utterance.
type Audio struct {
	Data   []byte
	Format AudioFormat
}

// SpeechSynthesizer converts text to audio.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string) (*Audio, error)
}

type SynthesisErrorKind int

const (
	SynthesisEngineUnavailable SynthesisErrorKind = iota
	SynthesisEmptyOutput
	SynthesisConversionFailure
	SynthesisTimeout
)

func (k SynthesisErrorKind) String() string {
	switch k {
	case SynthesisEngineUnavailable:
		return "engine_unavailable"
	case SynthesisEmptyOutput:
		return "empty_output"
	case SynthesisConversionFailure:
		return "conversion_failure"
	case SynthesisTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// SynthesisError is returned by SpeechSynthesizer implementations.
type SynthesisError struct {
	Kind SynthesisErrorKind
	Err  error
}

func (e *SynthesisError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("synthesis failed (%s)", e.Kind)
	}
	return fmt.Sprintf("synthesis failed (%s): %v", e.Kind, e.Err)
}

func (e *SynthesisError) Unwrap() error {
	return e.Err
}
