package bootflash

import (
	"context"
	"math"
	"testing"
	"time"
)

// stepClock is a Clock whose time only moves when told to.
type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time { return c.now }

func (c *stepClock) Sleep(ctx context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return ctx.Err()
}

func TestProgressTrackerEveryPage(t *testing.T) {
	clock := &stepClock{now: time.Unix(1000, 0)}
	var reports []Progress
	pt := NewProgressTracker(clock, func(p Progress) { reports = append(reports, p) }, 0)

	pt.Start(600, 3)
	for page, written := range []int{256, 512, 600} {
		clock.now = clock.now.Add(time.Second)
		pt.Update(page, written)
	}

	if len(reports) != 3 {
		t.Fatalf("got %d reports, want 3", len(reports))
	}

	last := reports[2]
	if !last.Done() || last.Percentage != 100 {
		t.Errorf("last report = %+v", last)
	}
	if last.Elapsed != 3*time.Second {
		t.Errorf("Elapsed = %s, want 3s", last.Elapsed)
	}
	if math.Abs(last.Rate-200) > 1e-9 {
		t.Errorf("Rate = %f, want 200 B/s", last.Rate)
	}
	if reports[0].Done() {
		t.Error("first report claims Done()")
	}
}

func TestProgressTrackerThrottle(t *testing.T) {
	clock := &stepClock{now: time.Unix(1000, 0)}
	var reports []Progress
	pt := NewProgressTracker(clock, func(p Progress) { reports = append(reports, p) }, time.Second)

	pt.Start(10*PageSize, 10)
	for page := 0; page < 10; page++ {
		clock.now = clock.now.Add(100 * time.Millisecond)
		pt.Update(page, (page+1)*PageSize)
	}

	// the first page, then nothing until the final page
	if len(reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(reports))
	}
	if !reports[len(reports)-1].Done() {
		t.Error("final page was not reported")
	}
}

func TestProgressStats(t *testing.T) {
	p := Progress{Elapsed: 2500 * time.Millisecond, Rate: 2048}
	if got := p.Stats(); got != "2.5s @ 2.0 KB/s" {
		t.Errorf("Stats() = %q", got)
	}
}
