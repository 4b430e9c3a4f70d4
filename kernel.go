package hymolkm

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Kernel is the privileged syscall boundary used to load and remove the
// module. Implementations return the raw unix.Errno on failure so callers
// can classify it.
type Kernel interface {
	// FinitModule loads a module from an open file descriptor.
	FinitModule(fd int, params string, flags int) error
	// InitModule loads a module from an in-memory image.
	InitModule(image []byte, params string) error
	// DeleteModule removes the named module.
	DeleteModule(name string, flags int) error
}

// Errno classes. The values come from x/sys/unix for the build target, so
// they match the running kernel's ABI.
func isAlreadyLoaded(err error) bool { return errors.Is(err, unix.EEXIST) }
func isUnsupported(err error) bool   { return errors.Is(err, unix.ENOSYS) }
func isBusy(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EBUSY)
}
