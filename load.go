package hymolkm

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Load loads the module if it is not already loaded. It returns nil on
// success, including when another actor loaded the module concurrently,
// and an *Error otherwise.
func (m *Manager) Load() error {
	if m.control.Available() {
		m.logger.Debug("module already loaded")
		return nil
	}

	kmi := m.ResolveKMI()
	img, err := m.selectImage(kmi)
	if err != nil {
		m.logger.Error("no module image", zap.String("kmi", kmi), zap.Error(err))
		return err
	}
	defer func() {
		if err := img.Cleanup(); err != nil {
			m.logger.Warn("remove temp image", zap.String("path", img.Path), zap.Error(err))
		}
	}()

	if err := m.verifyImage(img, kmi); err != nil {
		m.logger.Error("module image rejected", zap.Error(err))
		return err
	}
	if err := m.insert(img); err != nil {
		m.logger.Error("module load failed", zap.Error(err))
		return err
	}

	m.control.InvalidateStatusCache()
	m.logger.Info("module loaded", zap.String("kmi", kmi), zap.String("image", img.Path))
	return nil
}

// verifyImage rejects images that declare a different module. Images
// without readable metadata are left for the kernel to judge.
func (m *Manager) verifyImage(img *Image, kmi string) error {
	mi, err := ReadModinfo(m.fs, img.Path)
	if err != nil {
		m.logger.Debug("module metadata unreadable", zap.Error(err))
		return nil
	}
	if mi.Name != "" && mi.Name != ModuleName {
		return &Error{
			Op:     "load",
			Kind:   KindInvalidImage,
			Reason: fmt.Sprintf("image %s declares module %q, want %q", img.Path, mi.Name, ModuleName),
		}
	}
	if built := mi.KMI(); built != "" && kmi != "" && built != kmi {
		m.logger.Warn("module image built for another KMI",
			zap.String("image_kmi", built), zap.String("kmi", kmi))
	}
	return nil
}

// fdFile is implemented by files backed by a kernel descriptor.
type fdFile interface {
	Fd() uintptr
}

// insert hands the image to the kernel: finit_module first, init_module
// when finit_module is not implemented or the image has no descriptor.
func (m *Manager) insert(img *Image) error {
	if m.kernelErr != nil {
		return &Error{Op: "load", Kind: KindKernelReject, Reason: "module syscalls unavailable", Err: m.kernelErr}
	}

	f, err := m.fs.Open(img.Path)
	if err != nil {
		return &Error{Op: "load", Kind: KindIO, Reason: "open " + img.Path, Err: err}
	}
	defer f.Close()

	if fd, ok := f.(fdFile); ok {
		err := m.kernel.FinitModule(int(fd.Fd()), LoadParams, 0)
		switch {
		case err == nil:
			return nil
		case isAlreadyLoaded(err):
			m.logger.Debug("finit_module skipped, module already loaded")
			return nil
		case !isUnsupported(err):
			return &Error{Op: "load", Kind: KindKernelReject, Reason: "finit_module " + img.Path + " failed", Err: err}
		}
		m.logger.Warn("finit_module not implemented, falling back to init_module")
	}

	image, err := readImage(f)
	if err != nil {
		return &Error{Op: "load", Kind: KindIO, Reason: "read " + img.Path, Err: err}
	}
	err = m.kernel.InitModule(image, LoadParams)
	switch {
	case err == nil:
		return nil
	case isAlreadyLoaded(err):
		m.logger.Debug("init_module skipped, module already loaded")
		return nil
	default:
		return &Error{Op: "load", Kind: KindKernelReject, Reason: "init_module " + img.Path + " failed", Err: err}
	}
}

// readImage reads f from the start up to its stat size, tolerating short
// and interrupted reads.
func readImage(f afero.File) ([]byte, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek: %w", err)
	}

	size := st.Size()
	buf := make([]byte, size)
	var n int64
	for n < size {
		r, err := f.Read(buf[n:])
		n += int64(r)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, io.EOF) || (err == nil && r == 0) {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return buf[:n], nil
}
