package ntp

import (
	"errors"
	"time"
)

var (
	errUnexpectedRequest  = errors.New("unexpected request structure")
	errUnexpectedResponse = errors.New("unexpected response structure")
	errUnsynchronized     = errors.New("server is not synchronized")
	errNonMonotonic       = errors.New("unexpected timestamp order")
)

func ValidateResponseMetadata(resp *Packet) error {
	// Based on Ntimed by Poul-Henning Kamp, https://github.com/bsdphk/Ntimed

	if resp.LeapIndicator() == LeapIndicatorUnknown {
		return errUnsynchronized
	}
	if resp.Version() != 3 && resp.Version() != 4 {
		return errUnexpectedResponse
	}
	if resp.Mode() != ModeServer {
		return errUnexpectedResponse
	}
	if resp.Stratum == 0 || resp.Stratum > 15 {
		return errUnsynchronized
	}
	return nil
}

// ValidateResponseTimestamps checks that the client interval contains the
// server interval, i.e., that t0 <= t3 and t1 <= t2.
func ValidateResponseTimestamps(t0, t1, t2, t3 time.Time) error {
	if t3.Before(t0) {
		return errNonMonotonic
	}
	if t2.Before(t1) {
		return errNonMonotonic
	}
	return nil
}

func ValidateRequest(req *Packet) error {
	li := req.LeapIndicator()
	if li != LeapIndicatorNoWarning && li != LeapIndicatorUnknown {
		return errUnexpectedRequest
	}
	vn := req.Version()
	if vn < VersionMin || VersionMax < vn {
		return errUnexpectedRequest
	}
	mode := req.Mode()
	if vn == 1 && mode != ModeReserved0 || vn != 1 && mode != ModeClient {
		return errUnexpectedRequest
	}
	return nil
}
