// Package platform isolates the host-OS operations the execution core
// needs: mapping executable JIT code pages (mmap/mprotect, W^X enforced)
// and querying host CPU features (CpuFeatures), which no other package
// reads.
package platform

// CpuFeature identifies a single host instruction-set extension.
type CpuFeature uint64

const (
	CpuFeatureAmd64SSE3 CpuFeature = 1 << iota
	CpuFeatureAmd64SSE4_1
	CpuFeatureAmd64SSE4_2
	CpuFeatureArm64Atomic
)

const (
	CpuExtraFeatureAmd64ABM CpuFeature = 1 << iota
)

// CpuFeatureFlags exposes the capabilities of the running host.
type CpuFeatureFlags interface {
	Has(cpuFeature CpuFeature) bool
	HasExtra(cpuFeature CpuFeature) bool
}

// RWX describes the desired protection of a mapped region. Code pages
// are never mapped with both Write and Exec set (W^X, spec.md §3/§8).
type RWX int

const (
	ProtRead RWX = 1 << iota
	ProtWrite
	ProtExec
)
