// Package timer provides the jittered periodic ticker used by the discovery
// and delegation engines to stagger their housekeeping so that many
// endpoints booted at the same instant don't all reconnect or rebalance in
// lockstep.
package timer

import (
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"
)

// Ticker emits best-effort events on C at MinDuration intervals plus up to
// MaxJitter of random slack.
type Ticker struct {
	C           <-chan time.Time
	stop        chan struct{}
	done        chan struct{}
	MinDuration time.Duration
	MaxJitter   time.Duration
}

// NewTicker starts a ticker running in its own goroutine.
func NewTicker(minDuration, maxJitter time.Duration) *Ticker {
	if minDuration < 0 {
		log.WithField("duration", minDuration).Panic("negative duration")
	}
	if maxJitter < 0 {
		log.WithField("jitter", maxJitter).Panic("negative jitter")
	}
	c := make(chan time.Time, 1)
	t := &Ticker{
		C:           c,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		MinDuration: minDuration,
		MaxJitter:   maxJitter,
	}
	go t.loop(c)
	return t
}

func (t *Ticker) loop(c chan time.Time) {
	defer close(t.done)
	for {
		select {
		case <-time.After(t.calculateDelay()):
		case <-t.stop:
			return
		}
		select {
		case <-t.stop:
			return
		case c <- time.Now():
		default:
		}
	}
}

func (t *Ticker) calculateDelay() time.Duration {
	if t.MaxJitter == 0 {
		return t.MinDuration
	}
	return t.MinDuration + time.Duration(rand.Int63n(int64(t.MaxJitter)))
}

// Stop halts the ticker. It is safe to call exactly once; after Stop
// returns, no further value will ever arrive on C.
func (t *Ticker) Stop() {
	close(t.stop)
	<-t.done
}
