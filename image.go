package hymolkm

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// tempPattern names images materialized from the asset store.
const tempPattern = ".lkm_*"

// Image is a module image on disk, valid for one load attempt.
type Image struct {
	Path string
	// Temporary is true for images materialized from the asset store.
	// Only temporary images are removed by Cleanup.
	Temporary bool

	fs afero.Fs
}

// Cleanup removes a temporary image. It is a no-op for the legacy image.
func (img *Image) Cleanup() error {
	if img == nil || !img.Temporary {
		return nil
	}
	return img.fs.Remove(img.Path)
}

var errNoImage = errors.New("no image")

// materialize copies the asset built for kmi into a fresh temporary file
// inside the state directory. The caller owns the returned image and must
// call Cleanup.
func (m *Manager) materialize(kmi string) (*Image, error) {
	if kmi == "" {
		return nil, errNoImage
	}
	if m.assets == nil {
		return nil, fmt.Errorf("%w: no asset store", errNoImage)
	}
	if err := m.store.ensureDir(); err != nil {
		return nil, err
	}

	tmp, err := afero.TempFile(m.fs, m.store.Dir(), tempPattern)
	if err != nil {
		return nil, fmt.Errorf("create temp image: %w", err)
	}
	img := &Image{Path: tmp.Name(), Temporary: true, fs: m.fs}
	tmp.Close()

	name := AssetName(kmi, m.arch)
	if err := m.assets.CopyAssetToFile(name, img.Path); err != nil {
		if rmErr := img.Cleanup(); rmErr != nil {
			m.logger.Warn("remove temp image", zap.String("path", img.Path), zap.Error(rmErr))
		}
		return nil, fmt.Errorf("asset %s: %w", name, err)
	}
	m.logger.Debug("materialized module image", zap.String("asset", name), zap.String("path", img.Path))
	return img, nil
}

// selectImage resolves the image for kmi: the matching asset first, then
// the legacy on-disk image, which carries no KMI guarantee.
func (m *Manager) selectImage(kmi string) (*Image, error) {
	img, err := m.materialize(kmi)
	if err == nil {
		return img, nil
	}
	// A missing asset is a resolution miss; anything else is the store failing.
	var storeErr error
	if !errors.Is(err, errNoImage) {
		m.logger.Warn("asset image unavailable", zap.String("kmi", kmi), zap.Error(err))
		if !errors.Is(err, os.ErrNotExist) {
			storeErr = err
		}
	}

	if m.legacyPath != "" {
		if ok, _ := afero.Exists(m.fs, m.legacyPath); ok {
			m.logger.Info("using legacy module image", zap.String("path", m.legacyPath))
			return &Image{Path: m.legacyPath, fs: m.fs}, nil
		}
	}

	if storeErr != nil {
		return nil, &Error{
			Op:     "load",
			Kind:   KindCollaborator,
			Reason: "no matching module found for " + kmi,
			Err:    storeErr,
		}
	}
	return nil, &Error{
		Op:     "load",
		Kind:   KindResolution,
		Reason: "no matching module found for " + kmi,
	}
}
