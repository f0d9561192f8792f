// Command tcdump emits the unique-stub region for a target architecture and
// prints an annotated listing. It is a development aid for inspecting what
// the backend lays down at process startup.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/vmfoundry/tcback"
)

func main() {
	archName := flag.String("arch", "x64", "target architecture: x64, arm64 or ppc64")
	configPath := flag.String("config", "", "optional YAML config file")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if err := run(*archName, *configPath, *verbose); err != nil {
		fmt.Fprintln(os.Stderr, "tcdump:", err)
		os.Exit(1)
	}
}

func run(archName, configPath string, verbose bool) error {
	var arch tcback.Arch
	switch archName {
	case "x64":
		arch = tcback.ArchX64
	case "arm64":
		arch = tcback.ArchARM64
	case "ppc64":
		arch = tcback.ArchPPC64
	default:
		return fmt.Errorf("unknown architecture %q", archName)
	}

	cfg := tcback.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = tcback.LoadConfig(configPath); err != nil {
			return err
		}
	}

	logCfg := zap.NewProductionConfig()
	if verbose {
		logCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	log, err := logCfg.Build()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	b, err := tcback.New(arch, tcback.RuntimeEnv{}, cfg, log)
	if err != nil {
		return err
	}
	if !b.Supports(tcback.FeatureFullJIT) {
		return fmt.Errorf("the %s port does not emit stubs yet", b.Arch())
	}

	block, err := tcback.MapCode(cfg)
	if err != nil {
		return err
	}
	defer block.Close() //nolint:errcheck

	us, err := b.EmitUniqueStubs(block)
	if err != nil {
		return err
	}

	fmt.Printf("unique stubs for %s: [%#x, %#x)\n", b.Arch(), us.Begin, us.End)
	var meta tcback.Meta
	meta.Comment(us.CallToExit, "callToExit")
	meta.Comment(us.DecRefGeneric, "decRefGeneric")
	meta.Comment(us.FreeManyLocalsHelper, "freeManyLocalsHelper")
	for i, a := range us.FreeLocalsHelpers {
		meta.Comment(a, fmt.Sprintf("freeLocalsHelper[%d]", i))
	}
	meta.Comment(us.FunctionEnterHelper, "functionEnterHelper")
	meta.Comment(us.EndCatchHelper, "endCatchHelper")
	b.DisasmRange(os.Stdout, 2, us.Begin, us.End, &meta)
	return nil
}
