package refill

import "time"

const eventBuffer = 64

// Event is a refill outcome. It is one of Succeeded, Failed, WillRetry,
// DidRetry or CaptchaRequired.
type Event interface {
	isRefillEvent()
}

// Succeeded reports that Count tokens were added to the pool.
type Succeeded struct {
	Count int
}

// Failed reports a failed attempt. It is followed by WillRetry when the
// failure is transient.
type Failed struct {
	Err error
}

// WillRetry reports when the next attempt is scheduled.
type WillRetry struct {
	At time.Time
}

// DidRetry reports that a scheduled retry started.
type DidRetry struct{}

// CaptchaRequired reports that refilling is suspended until the captcha is
// solved.
type CaptchaRequired struct {
	CaptchaID string
}

func (Succeeded) isRefillEvent()       {}
func (Failed) isRefillEvent()          {}
func (WillRetry) isRefillEvent()       {}
func (DidRetry) isRefillEvent()        {}
func (CaptchaRequired) isRefillEvent() {}
