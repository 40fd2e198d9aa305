package imagecache

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// backoffSpin polls done() with bounded exponential backoff until it
// reports true. Used for wait_pixels_ready and anywhere else the design
// calls for "spin, don't block" because the expected wait is short and the
// waiter count is small (§4.D.4, §9 "Spin on pixels_ready").
func backoffSpin(done func() bool) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Microsecond
	b.MaxInterval = 2 * time.Millisecond
	b.Multiplier = 1.5
	b.MaxElapsedTime = 0 // unbounded: the reader always eventually publishes
	b.Reset()            // restart from InitialInterval; the constructor reset with the 500ms default

	for !done() {
		time.Sleep(b.NextBackOff())
	}
}
