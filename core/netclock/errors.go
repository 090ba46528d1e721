package netclock

import (
	"errors"
)

var (
	errNoServers        = errors.New("no servers configured")
	errDuplicateServer  = errors.New("duplicate server")
	errNoClock          = errors.New("no local clock configured")
	errInvalidPoll      = errors.New("invalid poll interval range")
	errInvalidThreshold = errors.New("invalid threshold")
	errOutlierFactor    = errors.New("outlier factor below 1")

	errTransportFailure   = errors.New("exchange failed")
	errNegativeDelay      = errors.New("negative round trip delay")
	errExcessiveDelay     = errors.New("round trip delay exceeds maximum")
	errServerNonMonotonic = errors.New("server transmit before server receive")
	errClientNonMonotonic = errors.New("client receive before client transmit")
)
