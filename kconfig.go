package hymolkm

import (
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

// ErrNoKernelConfig is returned when no kernel config source is available.
var ErrNoKernelConfig = errors.New("no kernel config found")

// moduleOptions are the CONFIG_ keys that decide whether the LKM can be
// loaded and removed.
var moduleOptions = map[string]bool{
	"MODULES":          true,
	"MODULE_UNLOAD":    true,
	"MODULE_SIG":       true,
	"MODULE_SIG_FORCE": true,
}

// kernelConfigPaths lists where the running kernel's config may live, most
// authoritative first. Paths ending in .gz are gzip-compressed.
func kernelConfigPaths(release string) []string {
	paths := []string{"/proc/config.gz"}
	if release != "" {
		paths = append(paths, "/boot/config-"+release, "/lib/modules/"+release+"/config")
	}
	return paths
}

// readKernelConfig returns the module options of the first readable config.
func readKernelConfig(fs afero.Fs, release string) (*KernelConfig, error) {
	var errs error
	for _, path := range kernelConfigPaths(release) {
		kc, err := readModuleOptions(fs, path)
		if err == nil {
			return kc, nil
		}
		errs = multierr.Append(errs, err)
	}
	return nil, fmt.Errorf("%w: %w", ErrNoKernelConfig, errs)
}

func readModuleOptions(fs afero.Fs, path string) (*KernelConfig, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		defer gr.Close()
		r = gr
	}

	opts := make(map[string]ConfigValue, len(moduleOptions))
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		key, found := strings.CutPrefix(key, "CONFIG_")
		if !ok || !found || !moduleOptions[key] {
			continue
		}
		switch value {
		case "y":
			opts[key] = ConfigBuiltin
		case "m":
			opts[key] = ConfigModule
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewKernelConfig(opts), nil
}
