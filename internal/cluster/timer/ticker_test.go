package timer

import (
	"testing"
	"time"
)

func TestTickerFiresWithinMinPlusJitter(t *testing.T) {
	tk := NewTicker(20*time.Millisecond, 10*time.Millisecond)
	defer tk.Stop()

	select {
	case <-tk.C:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected a tick within min+jitter+slack")
	}
}

func TestTickerStopHaltsFurtherTicks(t *testing.T) {
	tk := NewTicker(10*time.Millisecond, 0)
	<-tk.C
	tk.Stop()

	select {
	case <-tk.C:
		t.Error("did not expect a tick after Stop")
	case <-time.After(50 * time.Millisecond):
	}
}
