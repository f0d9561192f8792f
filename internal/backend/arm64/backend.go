// Package arm64 implements the AArch64 backend. Control-transfer patching
// works by rewriting embedded literals rather than instruction bytes, which
// keeps every smash a single aligned store.
package arm64

import (
	"go.uber.org/zap"

	"github.com/twitchyliquid64/golang-asm/obj"

	"github.com/vmfoundry/tcback/internal/backend"
)

// Backend is the AArch64 implementation of backend.Backend. It is immutable
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
		log:       opts.Log().Named("arm64"),
	}
}

func (t *Backend) Arch() backend.Arch { return backend.ArchARM64 }

func (t *Backend) ABI() backend.ABI { return abi }

func (t *Backend) CacheLineSize() int { return t.cacheLine }

func (t *Backend) Supports(backend.Feature) bool { return true }

func (t *Backend) PhysRegName(r backend.PhysReg) string {
	return obj.Rconv(int(r))
}
