// Package playback decodes incoming audio payloads and schedules them on an
// output timeline so consecutively enqueued buffers play back-to-back with no
// gap and no overlap, even though chunks arrive at irregular intervals and
// sizes.
//
// The [Engine] owns a monotonically non-decreasing "next start time" on a
// [Clock]. Each enqueued payload is decoded, bound to a start time of
// max(nextStart, now), and handed to a [Sink] in FIFO order once the clock
// reaches that start time. The engine does all timeline pacing; a [Sink]
// only delivers bytes to the real output device.
package playback

import "time"

// Clock is the output timeline. Implementations must be monotonically
// non-decreasing and safe for concurrent use.
type Clock interface {
	// Now returns the current position on the output timeline.
	Now() time.Duration
}

// NewClock returns a monotonic Clock anchored at the moment of the call.
func NewClock() Clock {
	return &monotonicClock{start: time.Now()}
}

type monotonicClock struct {
	start time.Time
}

func (c *monotonicClock) Now() time.Duration {
	return time.Since(c.start)
}
