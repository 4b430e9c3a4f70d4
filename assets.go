package hymolkm

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// AssetStore supplies module image bytes by name.
type AssetStore interface {
	// CopyAssetToFile writes the asset called name to dest, replacing its
	// contents. It returns an error wrapping os.ErrNotExist if no such
	// asset exists.
	CopyAssetToFile(name, dest string) error
}

// DirAssetStore serves assets from a directory. An asset may be stored
// gzip-compressed as <name>.gz.
type DirAssetStore struct {
	fs  afero.Fs
	dir string
}

// NewDirAssetStore returns an AssetStore reading from dir on fs.
func NewDirAssetStore(fs afero.Fs, dir string) *DirAssetStore {
	return &DirAssetStore{fs: fs, dir: dir}
}

// CopyAssetToFile implements [AssetStore].
func (d *DirAssetStore) CopyAssetToFile(name, dest string) error {
	if name == "" || filepath.Base(name) != name {
		return fmt.Errorf("asset %q: invalid name", name)
	}

	src, compressed, err := d.open(name)
	if err != nil {
		return err
	}
	defer src.Close()

	var r io.Reader = src
	if compressed {
		gr, err := gzip.NewReader(src)
		if err != nil {
			return fmt.Errorf("asset %s: %w", name, err)
		}
		defer gr.Close()
		r = gr
	}

	out, err := d.fs.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("asset %s: open destination: %w", name, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("asset %s: copy: %w", name, err)
	}
	return out.Close()
}

func (d *DirAssetStore) open(name string) (afero.File, bool, error) {
	f, err := d.fs.Open(filepath.Join(d.dir, name))
	if err == nil {
		return f, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("asset %s: %w", name, err)
	}
	f, err = d.fs.Open(filepath.Join(d.dir, name+".gz"))
	if err != nil {
		return nil, false, fmt.Errorf("asset %s: %w", name, err)
	}
	return f, true, nil
}
