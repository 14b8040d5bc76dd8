package command

import (
	"errors"

	"waifubot/core"
)

const (
	msgUsageChat        = "Tell me something to talk about! Usage: `%schat <message>`"
	msgCleared          = "Conversation history cleared! Let's start fresh! 😊"
	msgNothingToClear   = "No conversation history to clear!"
	msgNeedVoice        = "You need to be in a voice channel to use this command!"
	msgNeedGuild        = "Voice commands only work inside a server."
	msgDisconnected     = "Disconnected from the voice channel. See you later! 👋"
	msgNotInVoice       = "I'm not in a voice channel right now!"
	msgDisconnectFailed = "Something went wrong while leaving the voice channel."
	msgVoiceTestOK      = "🔊 Voice test played!"
	msgVoiceTestFailed  = "Voice test failed: %s"
	msgUnknownCommand   = "Unknown command `%s%s`. Try `%[1]schat`, `%[1]sclear`, `%[1]stestvoice` or `%[1]sdisconnect`."
	msgOutOfCredits     = "I'm sorry, but I've run out of credits. Please check your OpenAI account billing details."
	msgRateLimited      = "I'm receiving too many requests right now. Please try again in a moment."
	msgBrainUnreachable = "I'm having trouble connecting to my brain right now. Please check your OpenAI API key and try again."
	msgUnexpected       = "An unexpected error occurred. Please try again later."
	testVoicePhrase     = "こんにちは！ボイスチェック、ワン、ツー、スリー。"
	replyPrefix         = "🤖 "
)

// completionErrorMessage picks the user-facing text for a failed completion.
func completionErrorMessage(err error) string {
	var compErr *core.CompletionError
	if !errors.As(err, &compErr) {
		return msgUnexpected
	}
	switch compErr.Kind {
	case core.CompletionQuotaExceeded:
		return msgOutOfCredits
	case core.CompletionRateLimited:
		return msgRateLimited
	default:
		return msgBrainUnreachable
	}
}

// voiceFailureReason is the short reason shown by testvoice.
func voiceFailureReason(err error) string {
	var synthErr *core.SynthesisError
	if errors.As(err, &synthErr) {
		switch synthErr.Kind {
		case core.SynthesisTimeout:
			return "speech synthesis timed out"
		case core.SynthesisEmptyOutput:
			return "speech synthesis produced no audio"
		default:
			return "speech engine unavailable"
		}
	}
	switch core.CategoryOf(err) {
	case core.CategoryVoiceConnection:
		return "could not use the voice channel"
	case core.CategoryArtifact:
		return "could not prepare the audio file"
	default:
		return "unexpected error"
	}
}
