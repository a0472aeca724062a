package platform

import "golang.org/x/sys/cpu"

// CpuFeatures exposes the capabilities of the running host, queried via
// Has/HasExtra. Backed by golang.org/x/sys/cpu, which already does the
// per-OS/per-arch detection dance (CPUID on amd64, ID_AA64ISAR* MRS
// reads on arm64) so the core doesn't hand-roll its own.
var CpuFeatures CpuFeatureFlags = loadCPUFeatureFlags()

type cpuFeatureFlags struct {
	amd64SSE3    bool
	amd64SSE41   bool
	amd64SSE42   bool
	amd64ABM     bool
	arm64Atomics bool
}

func loadCPUFeatureFlags() CpuFeatureFlags {
	return &cpuFeatureFlags{
		amd64SSE3:    cpu.X86.HasSSE3,
		amd64SSE41:   cpu.X86.HasSSE41,
		amd64SSE42:   cpu.X86.HasSSE42,
		amd64ABM:     cpu.X86.HasPOPCNT,
		arm64Atomics: cpu.ARM64.HasATOMICS,
	}
}

func (f *cpuFeatureFlags) Has(feature CpuFeature) bool {
	switch feature {
	case CpuFeatureAmd64SSE3:
		return f.amd64SSE3
	case CpuFeatureAmd64SSE4_1:
		return f.amd64SSE41
	case CpuFeatureAmd64SSE4_2:
		return f.amd64SSE42
	case CpuFeatureArm64Atomic:
		return f.arm64Atomics
	default:
		return false
	}
}

func (f *cpuFeatureFlags) HasExtra(feature CpuFeature) bool {
	if feature == CpuExtraFeatureAmd64ABM {
		return f.amd64ABM
	}
	return false
}
