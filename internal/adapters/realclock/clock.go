// Package realclock backs ports.Clock with the time package.
package realclock

import (
	"time"

	"github.com/acolita/sshkit/internal/ports"
)

// Clock is the wall clock.
type Clock struct{}

var _ ports.Clock = Clock{}

// New returns the wall clock.
func New() Clock { return Clock{} }

func (Clock) Now() time.Time                         { return time.Now() }
func (Clock) Sleep(d time.Duration)                  { time.Sleep(d) }
func (Clock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NewTicker starts a time.Ticker. d must be positive.
func (Clock) NewTicker(d time.Duration) ports.Ticker {
	return ticker{time.NewTicker(d)}
}

type ticker struct{ t *time.Ticker }

func (t ticker) C() <-chan time.Time { return t.t.C }
func (t ticker) Stop()               { t.t.Stop() }
