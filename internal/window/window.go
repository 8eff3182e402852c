// Package window derives fixed minute and day window identities from wall-clock time.
package window

import (
	"fmt"
	"time"
)

type Kind string

const (
	Minute Kind = "minute"
	Day    Kind = "day"
)

const (
	minuteLayout = "20060102-1504"
	dayLayout    = "20060102"
)

// Span is one resolved window: its identity and the instant its counter may be reclaimed.
type Span struct {
	Kind      Kind
	ID        string
	ExpiresAt time.Time
}

// Key addresses a single counter record.
type Key struct {
	APIKey   string
	Kind     Kind
	WindowID string
}

func (k Key) String() string {
	return fmt.Sprintf("quota:%s:%s:%s", k.APIKey, k.Kind, k.WindowID)
}

// ID returns the window identifier for t. The identifier is computed in t's location,
// so every instant inside the same minute (or calendar day) maps to the same id.
func ID(kind Kind, t time.Time) string {
	switch kind {
	case Day:
		return t.Format(dayLayout)
	default:
		return t.Format(minuteLayout)
	}
}

// Expiry returns when a counter created at t for kind may be reclaimed.
func Expiry(kind Kind, t time.Time) time.Time {
	switch kind {
	case Day:
		y, m, d := t.Date()
		return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
	default:
		return t.Add(time.Minute)
	}
}

// ResetAt returns the instant the window containing t rolls over.
func ResetAt(kind Kind, t time.Time) time.Time {
	switch kind {
	case Day:
		return Expiry(Day, t)
	default:
		y, m, d := t.Date()
		return time.Date(y, m, d, t.Hour(), t.Minute()+1, 0, 0, t.Location())
	}
}

func Resolve(t time.Time) (minute, day Span) {
	minute = Span{Kind: Minute, ID: ID(Minute, t), ExpiresAt: Expiry(Minute, t)}
	day = Span{Kind: Day, ID: ID(Day, t), ExpiresAt: Expiry(Day, t)}
	return minute, day
}

func (s Span) Key(apiKey string) Key {
	return Key{APIKey: apiKey, Kind: s.Kind, WindowID: s.ID}
}

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Minute, Day:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown window kind %q", s)
}
