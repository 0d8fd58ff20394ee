package session

// Reason is a rendezvous failure code surfaced to signaling clients.
type Reason string

const (
	ReasonNotFound      Reason = "not-found"
	ReasonAlreadyPaired Reason = "already-paired"
	ReasonDestroyed     Reason = "destroyed"
	ReasonNoCandidate   Reason = "no-candidate"
	ReasonNotAvailable  Reason = "not-available"
	ReasonNotActive     Reason = "not-active"
	ReasonInternal      Reason = "internal"
)

// Error is a rendezvous error. Two errors match under errors.Is when their
// reasons are equal, so callers compare against the sentinels below.
type Error struct {
	Code Reason
	Op   string
}

var (
	ErrNotFound      = &Error{Code: ReasonNotFound}
	ErrAlreadyPaired = &Error{Code: ReasonAlreadyPaired}
	ErrDestroyed     = &Error{Code: ReasonDestroyed}
	ErrNoCandidate   = &Error{Code: ReasonNoCandidate}
	ErrNotAvailable  = &Error{Code: ReasonNotAvailable}
	ErrNotActive     = &Error{Code: ReasonNotActive}
	ErrInternal      = &Error{Code: ReasonInternal}
)

func (e *Error) Error() string {
	if e.Op == "" {
		return "session: " + string(e.Code)
	}
	return "session: " + e.Op + ": " + string(e.Code)
}

// Reason returns the wire reason code.
func (e *Error) Reason() string { return string(e.Code) }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func opError(op string, sentinel *Error) *Error {
	return &Error{Code: sentinel.Code, Op: op}
}

// ErrorFromReason rebuilds an error received over the wire. Unknown codes
// map to ReasonInternal.
func ErrorFromReason(op, reason string) *Error {
	switch r := Reason(reason); r {
	case ReasonNotFound, ReasonAlreadyPaired, ReasonDestroyed, ReasonNoCandidate,
		ReasonNotAvailable, ReasonNotActive, ReasonInternal:
		return &Error{Code: r, Op: op}
	default:
		return &Error{Code: ReasonInternal, Op: op}
	}
}
