package core

import (
	"context"
	"fmt"
)

type LLMMessageRole string

const (
	LLMMessageRoleSystem    LLMMessageRole = "system"
	LLMMessageRoleUser      LLMMessageRole = "user"
	LLMMessageRoleAssistant LLMMessageRole = "assistant"
)

// LLMMessage is one entry of a conversation sent to the completion API.
type LLMMessage struct {
	Role    LLMMessageRole `json:"role"`
	Content string         `json:"content"`
}

// CompletionClient turns an ordered conversation into the next assistant
// reply. Implementations must not retry internally.
type CompletionClient interface {
	Generate(ctx context.Context, history []LLMMessage) (string, error)
}

// CompletionErrorKind classifies completion failures so callers can pick a
// user-facing message.
type CompletionErrorKind int

const (
	CompletionUnknown CompletionErrorKind = iota
	CompletionQuotaExceeded
	CompletionRateLimited
	CompletionAuthFailure
)

func (k CompletionErrorKind) String() string {
	switch k {
	case CompletionQuotaExceeded:
		return "quota_exceeded"
	case CompletionRateLimited:
		return "rate_limited"
	case CompletionAuthFailure:
		return "auth_failure"
	default:
		return "unknown"
	}
}

// CompletionError is returned by CompletionClient implementations.
type CompletionError struct {
	Kind CompletionErrorKind
	Err  error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion failed (%s): %v", e.Kind, e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}
