package bootflash

import (
	"sync"
	"time"
)

// ProgressTracker tracks transfer progress and invokes the progress callback.
type ProgressTracker struct {
	mu sync.Mutex

	clock        Clock
	totalBytes   int
	totalPages   int
	page         int
	bytesWritten int
	startTime    time.Time
	lastUpdate   time.Time

	callback       func(Progress)
	updateInterval time.Duration
}

// NewProgressTracker creates a new progress tracker.
// With an interval of zero every page is reported; otherwise reports are
// throttled to one per interval, except the last page which is always reported.
func NewProgressTracker(clock Clock, callback func(Progress), interval time.Duration) *ProgressTracker {
	if clock == nil {
		clock = SystemClock
	}
	if interval < 0 {
		interval = 0
	}
	return &ProgressTracker{
		clock:          clock,
		callback:       callback,
		updateInterval: interval,
	}
}

// Start begins tracking a new transfer.
func (pt *ProgressTracker) Start(totalBytes, totalPages int) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.totalBytes = totalBytes
	pt.totalPages = totalPages
	pt.page = -1
	pt.bytesWritten = 0
	pt.startTime = pt.clock.Now()
	pt.lastUpdate = time.Time{}
}

// Update records an acknowledged page and invokes the callback if due.
func (pt *ProgressTracker) Update(page, bytesWritten int) {
	pt.mu.Lock()
	pt.page = page
	pt.bytesWritten = bytesWritten

	now := pt.clock.Now()
	last := page+1 >= pt.totalPages
	if !last && pt.updateInterval > 0 && !pt.lastUpdate.IsZero() && now.Sub(pt.lastUpdate) < pt.updateInterval {
		pt.mu.Unlock()
		return
	}
	pt.lastUpdate = now
	p := pt.snapshotLocked(now)
	pt.mu.Unlock()

	if pt.callback != nil {
		pt.callback(p)
	}
}

// Complete returns the duration of the transfer.
func (pt *ProgressTracker) Complete() time.Duration {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.clock.Now().Sub(pt.startTime)
}

// Snapshot returns current progress statistics.
func (pt *ProgressTracker) Snapshot() Progress {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.snapshotLocked(pt.clock.Now())
}

func (pt *ProgressTracker) snapshotLocked(now time.Time) Progress {
	elapsed := now.Sub(pt.startTime)

	var rate float64
	if elapsed > 0 {
		rate = float64(pt.bytesWritten) / elapsed.Seconds()
	}

	var pct float64
	if pt.totalPages > 0 {
		pct = float64(pt.page+1) / float64(pt.totalPages) * 100
	}

	return Progress{
		Page:         pt.page,
		TotalPages:   pt.totalPages,
		BytesWritten: pt.bytesWritten,
		TotalBytes:   pt.totalBytes,
		Percentage:   pct,
		Elapsed:      elapsed,
		Rate:         rate,
	}
}
