package domain

import "time"

// Delivery is one broker entry handed to a consumer. Exactly one of the
// two shapes applies: a fresh envelope delivery (Retry == nil) or a
// durable per-handler retry entry (Retry != nil).
type Delivery struct {
	ID       string
	Envelope Envelope
	Retry    *Retry
}

// Retry is a broker-backed retry directive for a single handler. It is
// re-appended to the broker instead of being scheduled on an in-process
// timer, so pending retries survive restarts.
type Retry struct {
	Envelope    Envelope  `json:"envelope"`
	HandlerName string    `json:"handler_name"`
	// Attempt counts prior invocations. 1 means the first retry after
	// the initial attempt.
	Attempt   int       `json:"attempt"`
	NotBefore time.Time `json:"not_before"`
}

// Due reports whether the retry may be executed at the given time.
func (r Retry) Due(now time.Time) bool {
	return !now.Before(r.NotBefore)
}
