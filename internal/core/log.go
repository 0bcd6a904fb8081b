package core

import (
	"log/slog"
	"sync/atomic"
)

// logger is the package-level logger, stored as an atomic pointer so reads
// and writes are safe from any goroutine. Named "logger" rather than "log"
// to avoid shadowing the stdlib package.
//
// A nil value means no custom logger has been set; Logger() then falls back
// to a cached default derived from slog.Default().
var logger atomic.Pointer[slog.Logger]

// defaultLogger caches the slog.Default()-derived logger so it is not
// rebuilt on every Logger() call. The cache goes stale if slog.SetDefault
// is called afterwards; SetLogger(nil) clears it so the next Logger() call
// re-derives.
var defaultLogger atomic.Pointer[slog.Logger]

// Logger returns the current package-level logger. Without a SetLogger
// override it returns a cached logger derived from slog.Default() carrying
// the component attribute. Safe for concurrent use.
func Logger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	l := newDefaultLogger()
	// CompareAndSwap so a concurrently cached value is not overwritten.
	if defaultLogger.CompareAndSwap(nil, l) {
		return l
	}
	// A concurrent SetLogger may have cleared the cache between the CAS and
	// this load; the locally built logger keeps the return value non-nil.
	if l2 := defaultLogger.Load(); l2 != nil {
		return l2
	}
	return l
}

func newDefaultLogger() *slog.Logger {
	return slog.Default().With("component", "challrun")
}

// SetLogger replaces the package-level logger. A nil l resets to the
// default: slog.Default() with the component attribute, re-derived on the
// next Logger() call and then cached.
//
// SetLogger is safe to call concurrently with runtime operations.
func SetLogger(l *slog.Logger) {
	logger.Store(l)
	// Clearing the cache lets a later SetLogger(nil) pick up changes made
	// through slog.SetDefault.
	defaultLogger.Store(nil)
}
