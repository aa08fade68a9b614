package dispatcher

import (
	"testing"
	"time"
)

func TestErrorThrottlerGrowsAndCaps(t *testing.T) {
	th := NewErrorThrottler()
	for i := 0; i < 10; i++ {
		d := th.Next()
		if d < 0 || d > 30*time.Second {
			t.Fatalf("Next() = %v, out of bounds", d)
		}
	}
	if th.current != th.max {
		t.Fatalf("current = %v, want capped at %v", th.current, th.max)
	}
}

func TestErrorThrottlerResetReturnsToInitial(t *testing.T) {
	th := NewErrorThrottler()
	for i := 0; i < 5; i++ {
		th.Next()
	}
	th.Reset()
	if th.current != th.initial {
		t.Fatalf("current after Reset = %v, want %v", th.current, th.initial)
	}
}

func TestErrorThrottlerFirstDelayWithinInitialBound(t *testing.T) {
	th := NewErrorThrottler()
	d := th.Next()
	if d > th.initial {
		t.Fatalf("first Next() = %v, want <= %v (full jitter over [0, current])", d, th.initial)
	}
}
