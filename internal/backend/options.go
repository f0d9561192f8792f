package backend

import "go.uber.org/zap"

// DefaultFreeLocalsUnroll is the number of dedicated "free N locals" stub
// entry points. The exact bound is a tuning constant, not part of the stub
// contract; larger frames take the generic looping helper.
const DefaultFreeLocalsUnroll = 7

// Options configures a concrete backend at construction time. Backends are
// otherwise stateless.
type Options struct {
	// Env supplies the native routine and table addresses generated code
	// calls into.
	Env RuntimeEnv
	// FreeLocalsUnroll overrides DefaultFreeLocalsUnroll when positive.
	FreeLocalsUnroll int
	// CacheLine overrides the architecture's cache line size when
	// positive. Used by tests and unusual parts.
	CacheLine int
	// Logger receives construction and stub-build diagnostics. Nil
	// disables logging.
	Logger *zap.Logger
}

func (o Options) Unroll() int {
	if o.FreeLocalsUnroll > 0 {
		return o.FreeLocalsUnroll
	}
	return DefaultFreeLocalsUnroll
}

func (o Options) CacheLineOr(def int) int {
	if o.CacheLine > 0 {
		return o.CacheLine
	}
	return def
}

func (o Options) Log() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop()
}
