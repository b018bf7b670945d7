// Package zlog provides the module's structured logging surface: a thin
// wrapper over zap giving every component a named, leveled logger.
//
// Cachemir (the teacher) logs through the bare "log" package inside its TCP
// server; that idiom is kept as-is in internal/memserver since the reference
// backend is a collaborator stand-in, not core orchestrator code (see
// DESIGN.md). pkg/zonecache logs through zlog; pkg/event logs through the
// *zap.SugaredLogger its Bus is given; pkg/pool and pkg/nearcache do not log.
package zlog

import (
	"sync"

	"go.uber.org/zap"
)

var (
	once sync.Once
	base *zap.Logger
)

func initBase() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	base = l
}

// For returns a component-scoped sugared logger, e.g. zlog.For("zonecache").
func For(component string) *zap.SugaredLogger {
	once.Do(initBase)
	return base.Sugar().With("component", component)
}

// SetBase overrides the process-wide base logger. Intended for tests and for
// applications that want to inject their own zap.Config.
func SetBase(l *zap.Logger) {
	once.Do(func() {})
	base = l
}
