// Package tcback selects and configures a native-code backend for the
// translation cache: one implementation per target architecture, behind a
// single capability interface covering emission, in-place patching, unique
// stubs, relocation and disassembly.
package tcback

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/vmfoundry/tcback/internal/backend"
	"github.com/vmfoundry/tcback/internal/backend/amd64"
	"github.com/vmfoundry/tcback/internal/backend/arm64"
	"github.com/vmfoundry/tcback/internal/backend/ppc64"
	"github.com/vmfoundry/tcback/internal/code"
)

// Re-exported backend surface. The implementations live in internal
// packages; these aliases are the public names for their shared types.
type (
	Backend     = backend.Backend
	Arch        = backend.Arch
	ABI         = backend.ABI
	Feature     = backend.Feature
	CondCode    = backend.CondCode
	RuntimeEnv  = backend.RuntimeEnv
	UniqueStubs = backend.UniqueStubs
	StubRole    = backend.StubRole
	Func        = backend.Func
	SrcKey      = backend.SrcKey
	Meta        = backend.Meta
	Unit        = backend.Unit
	Instr       = backend.Instr
	CodeBlock   = code.Block
)

const (
	ArchX64   = backend.ArchX64
	ArchARM64 = backend.ArchARM64
	ArchPPC64 = backend.ArchPPC64

	FeatureFullJIT   = backend.FeatureFullJIT
	FeatureSmashable = backend.FeatureSmashable
	FeatureDisasm    = backend.FeatureDisasm
)

// New returns the backend for arch, configured by cfg and bound to the
// runtime routines in env. Features named in required must be present;
// asking an in-progress port for capabilities it lacks is an error here
// rather than an abort later.
func New(arch Arch, env RuntimeEnv, cfg Config, logger *zap.Logger, required ...Feature) (Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	opts := backend.Options{
		Env:              env,
		FreeLocalsUnroll: cfg.FreeLocalsUnroll,
		CacheLine:        cfg.CacheLineSize,
		Logger:           logger,
	}

	var b Backend
	switch arch {
	case ArchX64:
		b = amd64.New(opts)
	case ArchARM64:
		b = arm64.New(opts)
	case ArchPPC64:
		b = ppc64.New(opts)
	default:
		return nil, fmt.Errorf("tcback: unknown architecture %d", arch)
	}

	for _, f := range required {
		if !b.Supports(f) {
			return nil, &backend.UnsupportedError{Arch: arch, Op: f.String()}
		}
	}
	if logger != nil {
		logger.Info("selected backend",
			zap.String("arch", arch.String()),
			zap.Int("cache_line", b.CacheLineSize()))
	}
	return b, nil
}

// MapCode allocates an executable-capable code region of the configured
// capacity.
func MapCode(cfg Config) (*CodeBlock, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return code.Map(cfg.CodeCapacity)
}
