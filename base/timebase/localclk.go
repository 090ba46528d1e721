package timebase

import (
	"time"
)

// LocalClock is the time source exchanges are timestamped with. Epoch changes
// whenever the clock was stepped, invalidating offsets measured before.
type LocalClock interface {
	Epoch() uint64
	Now() time.Time
}
