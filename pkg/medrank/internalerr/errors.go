package internalerr

import "errors"

// Sentinel errors for common cases
var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrDuplicateID    = errors.New("duplicate practitioner id")
	ErrCorpusEmpty    = errors.New("corpus is empty")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrLLMUnavailable = errors.New("llm unavailable")
)
