package hymolkm

import (
	"fmt"
	"runtime"
)

// Arch identifies the target architecture of a module image and the
// syscall ABI used to load it.
type Arch int

const (
	// ArchUnknown is returned for GOARCH values without a module build.
	ArchUnknown Arch = iota
	ArchARM64
	ArchARMv7
	ArchX86_64
	ArchX86
	ArchRISCV64
)

var archNames = map[Arch]string{
	ArchARM64:   "arm64",
	ArchARMv7:   "armv7",
	ArchX86_64:  "x86_64",
	ArchX86:     "x86",
	ArchRISCV64: "riscv64",
}

func (a Arch) String() string {
	if name, ok := archNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Arch(%d)", a)
}

// MarshalText encodes a by name.
func (a Arch) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// ArchValues returns all known architectures in declaration order.
func ArchValues() []Arch {
	return []Arch{ArchARM64, ArchARMv7, ArchX86_64, ArchX86, ArchRISCV64}
}

// ArchFromGOARCH maps a Go architecture identifier to an Arch.
func ArchFromGOARCH(goarch string) Arch {
	switch goarch {
	case "arm64":
		return ArchARM64
	case "arm":
		return ArchARMv7
	case "amd64":
		return ArchX86_64
	case "386":
		return ArchX86
	case "riscv64":
		return ArchRISCV64
	default:
		return ArchUnknown
	}
}

// HostArch is the architecture this binary was built for.
var HostArch = ArchFromGOARCH(runtime.GOARCH)

// Suffix returns the asset name suffix for images built for a.
// Unknown architectures fall back to the arm64 build.
func (a Arch) Suffix() string {
	if a == ArchUnknown {
		return "_" + ArchARM64.String()
	}
	return "_" + a.String()
}

// SyscallTable holds the module syscall numbers of one architecture ABI.
type SyscallTable struct {
	InitModule   uintptr
	FinitModule  uintptr
	DeleteModule uintptr
}

// Numbers from the kernel's per-architecture syscall tables:
// arch/x86/entry/syscalls/syscall_{64,32}.tbl, arch/arm/tools/syscall.tbl
// and include/uapi/asm-generic/unistd.h for arm64 and riscv64.
var syscallTables = map[Arch]SyscallTable{
	ArchARM64:   {InitModule: 105, FinitModule: 273, DeleteModule: 106},
	ArchRISCV64: {InitModule: 105, FinitModule: 273, DeleteModule: 106},
	ArchARMv7:   {InitModule: 128, FinitModule: 379, DeleteModule: 129},
	ArchX86_64:  {InitModule: 175, FinitModule: 313, DeleteModule: 176},
	ArchX86:     {InitModule: 128, FinitModule: 350, DeleteModule: 129},
}

// Syscalls returns the syscall table for a. The second value is false
// for architectures without a known table.
func (a Arch) Syscalls() (SyscallTable, bool) {
	t, ok := syscallTables[a]
	return t, ok
}

// AssetName returns the asset store name of the image built for kmi and a,
// e.g. "android13-5.15_arm64_hymofs_lkm.ko".
func AssetName(kmi string, a Arch) string {
	return kmi + a.Suffix() + "_" + ModuleName + ".ko"
}
