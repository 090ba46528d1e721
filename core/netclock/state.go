package netclock

import (
	"fmt"
	"math"
	"time"
)

// OffsetUndetermined is reported as the network offset while no combined
// offset is available.
const OffsetUndetermined = time.Duration(math.MaxInt64)

type State int

const (
	NotStarted State = iota
	Starting
	Started
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Starting:
		return "Starting"
	case Started:
		return "Started"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
