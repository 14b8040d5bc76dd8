package core

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// ErrorCategory is the coarse taxonomy used for logging and for deciding how
// far a failure propagates.
type ErrorCategory string

const (
	CategoryNone            ErrorCategory = ""
	CategoryExternalService ErrorCategory = "external_service"
	CategorySynthesis       ErrorCategory = "synthesis"
	CategoryVoiceConnection ErrorCategory = "voice_connection"
	CategoryArtifact        ErrorCategory = "artifact"
	CategoryInternalLogic   ErrorCategory = "internal_logic"
)

// Categorized is implemented by errors that know their category.
type Categorized interface {
	Category() ErrorCategory
}

func (e *CompletionError) Category() ErrorCategory { return CategoryExternalService }
func (e *SynthesisError) Category() ErrorCategory  { return CategorySynthesis }

// CategoryOf walks the wrap chain and returns the first category found.
// Uncategorized errors are reported as internal logic errors.
func CategoryOf(err error) ErrorCategory {
	if err == nil {
		return CategoryNone
	}
	var c Categorized
	if errors.As(err, &c) {
		return c.Category()
	}
	return CategoryInternalLogic
}

// ContractViolation is an invariant break inside the process. It is reported
// loudly but never allowed to take the process down.
type ContractViolation struct {
	What  string
	Stack []byte
}

func (e *ContractViolation) Error() string {
	return "contract violation: " + e.What
}

func (e *ContractViolation) Category() ErrorCategory { return CategoryInternalLogic }

// NewContractViolation captures the current stack.
func NewContractViolation(format string, args ...interface{}) *ContractViolation {
	return &ContractViolation{
		What:  fmt.Sprintf(format, args...),
		Stack: debug.Stack(),
	}
}

// ReportContractViolation logs v at error level with its stack.
func ReportContractViolation(logger *Logger, v *ContractViolation) {
	if logger == nil {
		logger = GetLogger()
	}
	logger.With(map[string]interface{}{
		"category": CategoryInternalLogic,
		"stack":    string(v.Stack),
	}).Error(v.Error())
}
