// Package amd64 implements the x86-64 backend: the reference target with
// every capability present.
package amd64

import (
	"go.uber.org/zap"

	"github.com/twitchyliquid64/golang-asm/obj"

	"github.com/vmfoundry/tcback/internal/backend"
)

// Backend is the x86-64 implementation of backend.Backend. It is immutable
// after New and safe for concurrent use.
type Backend struct {
	env       backend.RuntimeEnv
	unroll    int
	cacheLine int
	log       *zap.Logger
}

func New(opts backend.Options) *Backend {
	return &Backend{
		env:       opts.Env,
		unroll:    opts.Unroll(),
		cacheLine: opts.CacheLineOr(cacheLineSize),
		log:       opts.Log().Named("amd64"),
	}
}

func (t *Backend) Arch() backend.Arch { return backend.ArchX64 }

func (t *Backend) ABI() backend.ABI { return abi }

func (t *Backend) CacheLineSize() int { return t.cacheLine }

func (t *Backend) Supports(backend.Feature) bool { return true }

func (t *Backend) PhysRegName(r backend.PhysReg) string {
	return obj.Rconv(int(r))
}
