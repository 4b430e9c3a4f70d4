//go:build linux

package hymolkm

import (
	"errors"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/btf"
	"golang.org/x/sys/unix"
)

// capSysModule is CAP_SYS_MODULE from <linux/capability.h>.
const capSysModule = 16

// probeCapability checks whether cap is in the effective set of the
// calling process.
func probeCapability(cap uint) ProbeResult {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return ProbeResult{Supported: false, Error: err}
	}
	return ProbeResult{Supported: data[cap/32].Effective&(1<<(cap%32)) != 0}
}

// probeModuleBTF checks whether the loaded module exposes BTF under
// /sys/kernel/btf, which confirms it is live and linked against the
// running kernel's vmlinux BTF.
func probeModuleBTF(name string) ProbeResult {
	_, err := btf.LoadKernelModuleSpec(name)
	if err == nil {
		return ProbeResult{Supported: true}
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, ebpf.ErrNotSupported) {
		return ProbeResult{Supported: false}
	}
	return ProbeResult{Supported: false, Error: err}
}

// unameRelease returns the release reported by uname(2), which the module
// may spoof once loaded.
func unameRelease() (string, error) {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return "", err
	}
	return unix.ByteSliceToString(uname.Release[:]), nil
}
