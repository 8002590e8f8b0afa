package news

import (
	"errors"
	"fmt"
)

// Kind classifies refresh failures.
type Kind string

const (
	KindSource    Kind = "source"
	KindTransform Kind = "transform"
	KindStore     Kind = "store"
	KindEmpty     Kind = "empty"
)

// Error codes
const (
	CodeNoContent          = "NEWS_001"
	CodeMalformedSelection = "NEWS_002"
	CodeNoArticles         = "NEWS_003"
	CodeNoCache            = "NEWS_004"
	CodePersist            = "NEWS_005"
	CodeSelect             = "NEWS_006"
)

// Sentinel errors matched with errors.Is.
var (
	ErrNoContent          = errors.New("no content scraped from portals")
	ErrMalformedSelection = errors.New("malformed selection")
	ErrNoArticles         = errors.New("no usable articles")
	ErrNoCache            = errors.New("news unavailable")
)

// Error is the error type returned by the refresh pipeline.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Inner   error
}

func (e *Error) Error() string {
	if e.Inner != nil {
		return fmt.Sprintf("[%s-%s] %s: %v", e.Kind, e.Code, e.Message, e.Inner)
	}
	return fmt.Sprintf("[%s-%s] %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Inner }

// NewError creates a new Error.
func NewError(kind Kind, code, message string, inner error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Inner: inner}
}
