// Package ppc64 is the in-progress POWER port. The register assignment and
// capability surface are in place so arch selection and feature checks work,
// but no capability is implemented yet: callers must gate on Supports, and
// invoking anything anyway aborts with diagnostic context.
package ppc64

import (
	"io"

	"go.uber.org/zap"

	"github.com/twitchyliquid64/golang-asm/obj"
	asmppc64 "github.com/twitchyliquid64/golang-asm/obj/ppc64"

	"github.com/vmfoundry/tcback/internal/backend"
	"github.com/vmfoundry/tcback/internal/code"
	"github.com/vmfoundry/tcback/internal/relocation"
)

const cacheLineSize = 128

var abi = backend.ABI{
	VMSp:     asmppc64.REG_R29,
	VMFp:     asmppc64.REG_R30,
	VMTl:     asmppc64.REG_R28,
	NativeSp: asmppc64.REG_R1,
}

// Backend is the POWER placeholder implementation of backend.Backend.
type Backend struct {
	cacheLine int
	log       *zap.Logger
}

func New(opts backend.Options) *Backend {
	return &Backend{
		cacheLine: opts.CacheLineOr(cacheLineSize),
		log:       opts.Log().Named("ppc64"),
	}
}

func (t *Backend) Arch() backend.Arch { return backend.ArchPPC64 }

func (t *Backend) ABI() backend.ABI { return abi }

func (t *Backend) CacheLineSize() int { return t.cacheLine }

func (t *Backend) Supports(backend.Feature) bool { return false }

func (t *Backend) PhysRegName(r backend.PhysReg) string {
	return obj.Rconv(int(r))
}

func (t *Backend) unimplemented(op string) {
	backend.Unimplemented(t.log, backend.ArchPPC64, op)
}

func (t *Backend) EmitFuncPrologue(*code.Block, *backend.Func, int, uintptr) (backend.SrcKey, uintptr, error) {
	t.unimplemented("EmitFuncPrologue")
	return backend.SrcKey{}, 0, nil
}

func (t *Backend) FuncPrologueHasGuard(uintptr) bool {
	t.unimplemented("FuncPrologueHasGuard")
	return false
}

func (t *Backend) FuncPrologueToGuard(uintptr) uintptr {
	t.unimplemented("FuncPrologueToGuard")
	return 0
}

func (t *Backend) FuncPrologueSmashGuard(uintptr, uintptr) {
	t.unimplemented("FuncPrologueSmashGuard")
}

func (t *Backend) EmitServiceReq(*code.Block, backend.ServiceRequest, []uint64) (uintptr, error) {
	t.unimplemented("EmitServiceReq")
	return 0, nil
}

func (t *Backend) EmitUniqueStubs(*code.Block) (*backend.UniqueStubs, error) {
	t.unimplemented("EmitUniqueStubs")
	return nil, nil
}

func (t *Backend) EmitSmashableJmp(*code.Block, uintptr, *backend.Meta) uintptr {
	t.unimplemented("EmitSmashableJmp")
	return 0
}

func (t *Backend) EmitSmashableCall(*code.Block, uintptr, *backend.Meta) uintptr {
	t.unimplemented("EmitSmashableCall")
	return 0
}

func (t *Backend) EmitSmashableJcc(*code.Block, backend.CondCode, uintptr, *backend.Meta) uintptr {
	t.unimplemented("EmitSmashableJcc")
	return 0
}

// IsSmashable answers without aborting so probing callers can discover that
// in-place patching is off the table on this target.
func (t *Backend) IsSmashable(uintptr, int, int) bool { return false }

func (t *Backend) SmashJmp(uintptr, uintptr)  { t.unimplemented("SmashJmp") }
func (t *Backend) SmashCall(uintptr, uintptr) { t.unimplemented("SmashCall") }
func (t *Backend) SmashJcc(uintptr, uintptr)  { t.unimplemented("SmashJcc") }

func (t *Backend) JmpTarget(uintptr) uintptr {
	t.unimplemented("JmpTarget")
	return 0
}

func (t *Backend) CallTarget(uintptr) uintptr {
	t.unimplemented("CallTarget")
	return 0
}

func (t *Backend) JccTarget(uintptr) uintptr {
	t.unimplemented("JccTarget")
	return 0
}

func (t *Backend) JccCondCode(uintptr) backend.CondCode {
	t.unimplemented("JccCondCode")
	return 0
}

func (t *Backend) Materialize(*code.Block, *backend.Unit, *backend.Meta) (uintptr, error) {
	t.unimplemented("Materialize")
	return 0, nil
}

func (t *Backend) Relocate(*code.Block, uintptr, uintptr, *backend.Meta) (*relocation.Info, error) {
	t.unimplemented("Relocate")
	return nil, nil
}

func (t *Backend) DisasmRange(io.Writer, int, uintptr, uintptr, *backend.Meta) {
	t.unimplemented("DisasmRange")
}
