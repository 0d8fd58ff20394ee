package transfer

import (
	"context"
	"errors"
)

// ErrorCategory groups failures by how a transfer must react to them.
type ErrorCategory int

const (
	CategoryUnknown ErrorCategory = iota
	// CategoryRendezvous covers pairing failures reported by the signaling server.
	CategoryRendezvous
	// CategoryNegotiation covers channel setup failures that outlived their retries.
	CategoryNegotiation
	// CategoryData covers corrupt or missing fragments. Never retried.
	CategoryData
	// CategoryResource covers local store and file system failures.
	CategoryResource
	CategoryCancelled
)

// String returns a string representation of ErrorCategory
func (c ErrorCategory) String() string {
	switch c {
	case CategoryRendezvous:
		return "rendezvous"
	case CategoryNegotiation:
		return "negotiation"
	case CategoryData:
		return "data"
	case CategoryResource:
		return "resource"
	case CategoryCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is a sentinel carrying its category.
type Error struct {
	Category ErrorCategory
	msg      string
}

// NewError returns a categorized sentinel error.
func NewError(category ErrorCategory, msg string) *Error {
	return &Error{Category: category, msg: msg}
}

func (e *Error) Error() string { return e.msg }

var (
	ErrCorruptFragment = NewError(CategoryData, "corrupt fragment")
	ErrBadProgress     = NewError(CategoryData, "malformed progress report")
)

// Classify reports the category of err, looking through wrapping.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryCancelled
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Category
	}
	var reasoned interface{ Reason() string }
	if errors.As(err, &reasoned) {
		return CategoryRendezvous
	}
	return CategoryUnknown
}
