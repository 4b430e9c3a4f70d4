//go:build !linux

package hymolkm

// NewKernel returns an error on non-Linux platforms.
func NewKernel(_ Arch) (Kernel, error) {
	return nil, ErrUnsupportedPlatform
}
