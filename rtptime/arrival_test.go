package rtptime

import (
	"testing"
	"time"
)

func TestArrivalMillisFromCapture(t *testing.T) {
	got := ArrivalMillis(1234500, time.Now())
	if got != 1235 {
		t.Errorf("ArrivalMillis(1234500) = %d, want 1235", got)
	}
}

func TestArrivalMillisFallsBackToClock(t *testing.T) {
	now := time.Unix(100, 0)
	got := ArrivalMillis(-1, now)
	if got != now.UnixMilli() {
		t.Errorf("ArrivalMillis(-1) = %d, want %d", got, now.UnixMilli())
	}
}
