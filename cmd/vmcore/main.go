// Command vmcore runs a single guest machine-code image to completion.
//
// Grounded on the teacher pack's only real CLI precedent
// (bassosimone-risc32's cmd/vm/main.go): flag.Bool/flag.String options
// parsed up front, log.SetFlags(0) for a clean "progname: message"
// style, and a -v flag that logs the resolved configuration. Exit codes
// follow spec.md §6 exactly rather than that teacher's single
// log.Fatal-always-exits(1) behavior, since the spec fixes four
// distinct outcomes a caller needs to distinguish.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/RunningShrimp/vmcore/internal/addr"
	"github.com/RunningShrimp/vmcore/internal/frontend"
	"github.com/RunningShrimp/vmcore/internal/vm"
	"github.com/RunningShrimp/vmcore/internal/vmconfig"
	"github.com/RunningShrimp/vmcore/internal/vmerr"
)

// Exit codes per spec.md §6.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitRuntimeError  = 2
	exitEscapedTrap   = 3
)

func main() {
	log.SetFlags(0)
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("vmcore", flag.ContinueOnError)
	archFlag := fs.String("arch", "x86_64", "guest ISA: x86_64 | arm64 | riscv64")
	memFlag := fs.Uint64("mem", 256<<20, "guest memory size in bytes")
	l1Flag := fs.Int("tlb-l1", 64, "L1 software TLB entries (stored in the config; the MMU's TLB sizes are fixed)")
	l2Flag := fs.Int("tlb-l2", 1024, "L2 software TLB entries (stored in the config; the MMU's TLB sizes are fixed)")
	tier1Flag := fs.Int64("tier1-threshold", 50, "raw execution count to first JIT a block")
	tier2Flag := fs.Int64("tier2-threshold", 1000, "raw execution count to promote to tier-2")
	aotFlag := fs.Bool("aot", false, "enable the disk-backed tier-2 cache")
	aotDirFlag := fs.String("aot-dir", "", "AOT cache directory (required with -aot)")
	entryFlag := fs.Uint64("entry", 0, "guest entry address")
	fileFlag := fs.String("f", "", "file containing raw guest machine code")
	verboseFlag := fs.Bool("v", false, "log the resolved configuration before running")

	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}
	if *fileFlag == "" {
		log.Println("vmcore: usage: vmcore -f <machine-code-file> [options]")
		return exitConfigError
	}

	arch, err := frontend.ParseArch(*archFlag)
	if err != nil {
		log.Printf("vmcore: %v", err)
		return exitConfigError
	}
	if *aotFlag && *aotDirFlag == "" {
		log.Println("vmcore: -aot requires -aot-dir")
		return exitConfigError
	}

	code, err := os.ReadFile(*fileFlag)
	if err != nil {
		log.Printf("vmcore: %v", err)
		return exitConfigError
	}

	cfg := vmconfig.New(
		vmconfig.WithArch(arch),
		vmconfig.WithMemoryBytes(*memFlag),
		vmconfig.WithTLBSizes(*l1Flag, *l2Flag),
		vmconfig.WithTierThresholds(*tier1Flag, *tier2Flag),
		vmconfig.WithAOT(*aotFlag, *aotDirFlag),
	)
	if *verboseFlag {
		log.Printf("vmcore: arch=%s mem=%d tier1=%d tier2=%d aot=%v",
			cfg.Arch, cfg.MemoryBytes, cfg.Tier1Threshold, cfg.Tier2Threshold, cfg.EnableAOT)
	}

	ctx := context.Background()
	machine, err := vm.New(ctx, cfg)
	if err != nil {
		log.Printf("vmcore: %v", err)
		return exitConfigError
	}

	entry := addr.GuestAddr(*entryFlag)
	if err := machine.LoadImage(entry, code); err != nil {
		log.Printf("vmcore: %v", err)
		return exitRuntimeError
	}

	_, runErr := machine.Run(ctx, entry)
	if shutdownErr := machine.Shutdown(); shutdownErr != nil && runErr == nil {
		runErr = shutdownErr
	}
	if runErr == nil {
		return exitOK
	}

	if isEscapedTrap(runErr) {
		log.Printf("vmcore: guest trap escaped: %v", runErr)
		return exitEscapedTrap
	}
	log.Printf("vmcore: %v", runErr)
	return exitRuntimeError
}

// isEscapedTrap reports whether err is a guest trap that reached the
// top level unresolved — the one outcome spec.md §6 gives its own exit
// code (3) rather than folding into the generic runtime-failure code
// (2).
func isEscapedTrap(err error) bool {
	for _, k := range []vmerr.Kind{
		vmerr.ExecutionIllegalInstr, vmerr.ExecutionUndefinedBehavior, vmerr.ExecutionTrap,
		vmerr.TranslationDecodeError, vmerr.TranslationVerifierError,
	} {
		if vmerr.Is(err, k) {
			return true
		}
	}
	return false
}
