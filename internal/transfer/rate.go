package transfer

import (
	"sync"
	"time"
)

// TransferProgress is emitted after every completed chunk.
type TransferProgress struct {
	TransferID string
	ChunkIndex int
	BytesSent  int64
	TotalBytes int64
	// Rate is the instantaneous throughput in bytes/sec; AvgRate the rolling
	// average the ETA is extrapolated from.
	Rate    float64
	AvgRate float64
	ETA     time.Duration
}

// rateTracker turns per-chunk completions into progress samples. Safe for
// use from concurrent chunk workers.
type rateTracker struct {
	mu      sync.Mutex
	total   int64
	sent    int64
	start   time.Time
	last    time.Time
	samples []rateSample
}

type rateSample struct {
	at    time.Time
	bytes int64
}

const rateWindow = 10 * time.Second

func newRateTracker(total, alreadySent int64) *rateTracker {
	now := time.Now()
	return &rateTracker{
		total: total,
		sent:  alreadySent,
		start: now,
		last:  now,
	}
}

func (rt *rateTracker) completed(transferID string, index int, n int64) TransferProgress {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := time.Now()
	rt.sent += n
	rt.samples = append(rt.samples, rateSample{at: now, bytes: n})

	// Trim samples older than the window.
	cutoff := now.Add(-rateWindow)
	firstLive := 0
	for firstLive < len(rt.samples) && rt.samples[firstLive].at.Before(cutoff) {
		firstLive++
	}
	rt.samples = rt.samples[firstLive:]

	inst := float64(0)
	if dt := now.Sub(rt.last).Seconds(); dt > 0 {
		inst = float64(n) / dt
	}
	rt.last = now

	var windowBytes int64
	for _, s := range rt.samples {
		windowBytes += s.bytes
	}
	avg := float64(0)
	span := now.Sub(rt.samples[0].at).Seconds()
	if span > 0 {
		avg = float64(windowBytes) / span
	} else if el := now.Sub(rt.start).Seconds(); el > 0 {
		avg = float64(rt.sent) / el
	}

	var eta time.Duration
	if remaining := rt.total - rt.sent; remaining > 0 && avg > 0 {
		eta = time.Duration(float64(remaining) / avg * float64(time.Second))
	}

	return TransferProgress{
		TransferID: transferID,
		ChunkIndex: index,
		BytesSent:  rt.sent,
		TotalBytes: rt.total,
		Rate:       inst,
		AvgRate:    avg,
		ETA:        eta,
	}
}

func (rt *rateTracker) bytesSent() int64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.sent
}
