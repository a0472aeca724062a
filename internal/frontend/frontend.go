// Package frontend dispatches to one decoder per supported guest ISA
// (spec.md §4.1, §9: "dynamic dispatch over ISA decoders is a tagged
// variant enum Arch plus a dispatch table keyed by Arch; no open-ended
// polymorphism is required inside the core").
package frontend

import (
	"fmt"

	"github.com/RunningShrimp/vmcore/internal/addr"
	"github.com/RunningShrimp/vmcore/internal/ir"
)

// Arch tags a guest instruction set.
type Arch uint8

const (
	X86_64 Arch = iota
	Arm64
	Riscv64
)

func (a Arch) String() string {
	switch a {
	case X86_64:
		return "x86_64"
	case Arm64:
		return "arm64"
	case Riscv64:
		return "riscv64"
	default:
		return "unknown"
	}
}

// ParseArch maps a CLI/config string to an Arch (spec.md §6).
func ParseArch(s string) (Arch, error) {
	switch s {
	case "x86_64":
		return X86_64, nil
	case "arm64":
		return Arm64, nil
	case "riscv64":
		return Riscv64, nil
	default:
		return 0, fmt.Errorf("frontend: unknown arch %q", s)
	}
}

// BlockSizeCap is the default per-block op cap (spec.md §4.1); decoding
// stops and emits a Fall terminator once it is reached, even mid
// fallthrough-eligible sequence.
const BlockSizeCap = 128

// Decoder lifts a window of raw guest instruction bytes starting at
// start into an ir.Block. It must stop at the first control-flow
// terminator, at BlockSizeCap ops, or at an illegal encoding (emitting
// Trap(IllegalInstr) with the valid prefix already decoded into Ops).
type Decoder interface {
	DecodeBlock(code []byte, start addr.GuestAddr) (*ir.Block, error)
}

// NewDecoder returns the Decoder for arch.
func NewDecoder(arch Arch) (Decoder, error) {
	switch arch {
	case X86_64:
		return x86Decoder{}, nil
	case Arm64:
		return arm64Decoder{}, nil
	case Riscv64:
		return riscvDecoder{}, nil
	default:
		return nil, fmt.Errorf("frontend: unsupported arch %v", arch)
	}
}
