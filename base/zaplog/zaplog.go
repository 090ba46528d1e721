package zaplog

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	logger atomic.Pointer[zap.Logger]
	nop    = zap.NewNop()
)

func Logger() *zap.Logger {
	l := logger.Load()
	if l == nil {
		return nop
	}
	return l
}

func SetLogger(l *zap.Logger) { logger.Store(l) }
