//go:build linux

package hymolkm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// sysKernel issues the module syscalls by number from an arch table.
type sysKernel struct {
	nr SyscallTable
}

// NewKernel returns the syscall-backed [Kernel] for a. The table must
// describe the ABI of the running process, so a must be [HostArch].
func NewKernel(a Arch) (Kernel, error) {
	if a != HostArch {
		return nil, fmt.Errorf("syscall ABI %s does not match host %s", a, HostArch)
	}
	t, ok := a.Syscalls()
	if !ok {
		return nil, fmt.Errorf("no module syscall table for %s", a)
	}
	return &sysKernel{nr: t}, nil
}

func (k *sysKernel) FinitModule(fd int, params string, flags int) error {
	p, err := unix.BytePtrFromString(params)
	if err != nil {
		return err
	}
	_, _, errno := unix.Syscall(k.nr.FinitModule, uintptr(fd), uintptr(unsafe.Pointer(p)), uintptr(flags))
	if errno != 0 {
		return errno
	}
	return nil
}

func (k *sysKernel) InitModule(image []byte, params string) error {
	p, err := unix.BytePtrFromString(params)
	if err != nil {
		return err
	}
	var img unsafe.Pointer
	if len(image) > 0 {
		img = unsafe.Pointer(&image[0])
	}
	_, _, errno := unix.Syscall(k.nr.InitModule, uintptr(img), uintptr(len(image)), uintptr(unsafe.Pointer(p)))
	if errno != 0 {
		return errno
	}
	return nil
}

func (k *sysKernel) DeleteModule(name string, flags int) error {
	p, err := unix.BytePtrFromString(name)
	if err != nil {
		return err
	}
	_, _, errno := unix.Syscall(k.nr.DeleteModule, uintptr(unsafe.Pointer(p)), uintptr(flags), 0)
	if errno != 0 {
		return errno
	}
	return nil
}
