package quota

import "time"

// Outcome is the gate verdict for a single request, ordered by severity.
type Outcome int

const (
	Allowed Outcome = iota
	Throttled
	Blocked
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Throttled:
		return "throttled"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Record is the quota state kept per client identity.
type Record struct {
	// Tokens left in the current window, never above MaxRequests-1.
	Tokens int
	// ResetAt ends the current window. Millisecond precision.
	ResetAt time.Time
	// Suspicious counts suspicious requests. It carries across windows when
	// Limits.PersistSuspicion is set and is dropped only when the record is evicted.
	Suspicious int
	// Reported is the most severe rejection already surfaced for this record,
	// so each client is logged once per escalation rather than per request.
	Reported Outcome
}

// Limits configures Step.
type Limits struct {
	Window      time.Duration
	MaxRequests int
	// SuspiciousThreshold is informational, crossing it only flags the decision.
	SuspiciousThreshold int
	BlockThreshold      int
	// PersistSuspicion keeps the suspicious tally across window rollovers so a
	// blocked client stays blocked until its record is evicted.
	PersistSuspicion bool
}

// DefaultLimits: 60 requests per minute, block at 200 suspicious requests.
func DefaultLimits() Limits {
	return Limits{
		Window:              time.Minute,
		MaxRequests:         60,
		SuspiciousThreshold: 100,
		BlockThreshold:      200,
		PersistSuspicion:    true,
	}
}

// Decision is what the gate needs to answer one request.
type Decision struct {
	Outcome   Outcome
	Limit     int
	Remaining int
	ResetAt   time.Time
	// Suspicious is the tally after this request.
	Suspicious int
	// Flagged is set once the tally reaches SuspiciousThreshold.
	Flagged bool
	// FirstReport is set the first time a record reaches this outcome.
	FirstReport bool
}

// RetryAfter is the whole seconds until the window resets, at least 1.
func (d Decision) RetryAfter(now time.Time) int {
	ms := d.ResetAt.Sub(now).Milliseconds()
	secs := int((ms + 999) / 1000)
	if secs < 1 {
		return 1
	}
	return secs
}

// Step advances rec by one request at now. found reports whether rec came
// from the store. The returned record is what the store keeps.
func Step(rec Record, found, suspicious bool, now time.Time, lim Limits) (Record, Decision) {
	hit := 0
	if suspicious {
		hit = 1
	}

	if !found || !now.Before(rec.ResetAt) {
		carried := 0
		if found && lim.PersistSuspicion {
			carried = rec.Suspicious
		}
		reported := Allowed
		if found {
			reported = rec.Reported
		}
		rec = Record{
			Tokens:     lim.MaxRequests - 1,
			ResetAt:    time.UnixMilli(now.UnixMilli() + lim.Window.Milliseconds()),
			Suspicious: carried + hit,
			Reported:   reported,
		}
		if found && rec.Suspicious >= lim.BlockThreshold {
			return decide(rec, Blocked, 0, lim)
		}
		return decide(rec, Allowed, rec.Tokens, lim)
	}

	rec.Suspicious += hit
	switch {
	case rec.Suspicious >= lim.BlockThreshold:
		return decide(rec, Blocked, 0, lim)
	case rec.Tokens > 0:
		rec.Tokens--
		return decide(rec, Allowed, rec.Tokens, lim)
	default:
		return decide(rec, Throttled, 0, lim)
	}
}

func decide(rec Record, o Outcome, remaining int, lim Limits) (Record, Decision) {
	d := Decision{
		Outcome:    o,
		Limit:      lim.MaxRequests,
		Remaining:  remaining,
		ResetAt:    rec.ResetAt,
		Suspicious: rec.Suspicious,
		Flagged:    lim.SuspiciousThreshold > 0 && rec.Suspicious >= lim.SuspiciousThreshold,
	}
	if o > rec.Reported {
		rec.Reported = o
		d.FirstReport = true
	}
	return rec, d
}
