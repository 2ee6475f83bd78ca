package roomsync

import (
	"math"
	"time"
)

const (
	// pollRecoveryInterval is used by both games while push is down.
	pollRecoveryInterval = 800 * time.Millisecond
)

// Backoff computes reconnect delays as Base * Factor^attempt, capped at
// Max. A Factor of 1 gives a fixed delay.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// Delay returns the wait before reconnect attempt n (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	factor := b.Factor
	if factor < 1 {
		factor = 1
	}

	d := float64(b.Base) * math.Pow(factor, float64(attempt))
	if b.Max > 0 && (math.IsInf(d, 1) || d > float64(b.Max)) {
		return b.Max
	}

	return time.Duration(d)
}

// Profile bundles what differs between the supported games: where the
// REST API lives and how aggressively the client retries and polls.
type Profile struct {
	Name         string
	Prefix       string
	Backoff      Backoff
	PollOnline   time.Duration
	PollRecovery time.Duration
}

// ProfileCards is the climbing card game. Its server tells clients to
// retry after 2s; the client reconnects on a fixed 1.5s delay.
var ProfileCards = Profile{
	Name:         "cards",
	Prefix:       "/api/rooms",
	Backoff:      Backoff{Base: 1500 * time.Millisecond, Factor: 1, Max: 1500 * time.Millisecond},
	PollOnline:   2 * time.Second,
	PollRecovery: pollRecoveryInterval,
}

// ProfileWords is the word-chain game.
var ProfileWords = Profile{
	Name:         "words",
	Prefix:       "/api/shiritori",
	Backoff:      Backoff{Base: time.Second, Factor: 1.8, Max: 30 * time.Second},
	PollOnline:   3 * time.Second,
	PollRecovery: pollRecoveryInterval,
}

// ProfileFor looks up a built-in profile by name.
func ProfileFor(name string) (Profile, bool) {
	switch name {
	case ProfileCards.Name:
		return ProfileCards, true
	case ProfileWords.Name:
		return ProfileWords, true
	default:
		return Profile{}, false
	}
}

// WithOverrides returns p with every non-zero override applied.
func (p Profile) WithOverrides(base time.Duration, factor float64, maxDelay, online, recovery time.Duration) Profile {
	if base > 0 {
		p.Backoff.Base = base
	}

	if factor > 0 {
		p.Backoff.Factor = factor
	}

	if maxDelay > 0 {
		p.Backoff.Max = maxDelay
	}

	if p.Backoff.Max < p.Backoff.Base {
		p.Backoff.Max = p.Backoff.Base
	}

	if online > 0 {
		p.PollOnline = online
	}

	if recovery > 0 {
		p.PollRecovery = recovery
	}

	return p
}
