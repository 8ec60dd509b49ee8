package rate

import "time"

// Window is a rate-limit accounting period.
type Window int

const (
	Minute Window = iota
	Day
)

func (w Window) String() string {
	switch w {
	case Minute:
		return "minute"
	case Day:
		return "day"
	default:
		return "unknown"
	}
}

func (w Window) Duration() time.Duration {
	if w == Day {
		return 24 * time.Hour
	}
	return time.Minute
}

// Headers names the response headers the guard reads. Empty names are ignored.
type Headers struct {
	RemainingMinute string
	RemainingDay    string
	RetryAfter      string
	Reset           string
}

// StandardHeaders is the mapping used by the vendor portal's gateway.
func StandardHeaders() Headers {
	return Headers{
		RemainingMinute: "X-RateLimit-Remaining-minute",
		RemainingDay:    "X-RateLimit-Remaining-day",
		RetryAfter:      "Retry-After",
		Reset:           "RateLimit-Reset",
	}
}

// Limits configures a Guard. A zero limit leaves that window unbounded.
type Limits struct {
	Name      string
	PerMinute int
	PerDay    int
	Headers   Headers
}

func (l Limits) forWindow(w Window) int {
	if w == Day {
		return l.PerDay
	}
	return l.PerMinute
}

// Decision is the outcome of Guard.Allow.
type Decision struct {
	Allowed bool
	Reason  string
	RetryAt time.Time
}
