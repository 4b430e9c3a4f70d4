package hymolkm

import (
	"bytes"
	"debug/elf"
	"fmt"
	"strings"

	"github.com/spf13/afero"
)

// Modinfo holds the metadata a kernel module declares in its .modinfo
// ELF section.
type Modinfo struct {
	Name     string   `json:"name"`
	Vermagic string   `json:"vermagic"`
	Version  string   `json:"version,omitempty"`
	License  string   `json:"license,omitempty"`
	Depends  []string `json:"depends,omitempty"`
	// Params lists declared parameter names in section order.
	Params []string `json:"params,omitempty"`
}

// KMI returns the KMI of the kernel the module was built against, derived
// from the release in its vermagic. It is empty for non-GKI builds.
func (mi *Modinfo) KMI() string {
	fields := strings.Fields(mi.Vermagic)
	if len(fields) == 0 {
		return ""
	}
	return ParseKMI(fields[0])
}

// ReadModinfo parses the .modinfo section of the module image at path.
func ReadModinfo(fs afero.Fs, path string) (*Modinfo, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("modinfo: %w", err)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, fmt.Errorf("modinfo %q: %w", path, err)
	}
	defer ef.Close()

	sec := ef.Section(".modinfo")
	if sec == nil {
		return nil, fmt.Errorf("modinfo %q: no .modinfo section; not a kernel module", path)
	}
	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("modinfo %q: %w", path, err)
	}
	return parseModinfo(data), nil
}

// parseModinfo decodes NUL-separated key=value records.
func parseModinfo(data []byte) *Modinfo {
	mi := &Modinfo{}
	seenParams := make(map[string]struct{})

	for _, rec := range bytes.Split(data, []byte{0}) {
		key, value, ok := strings.Cut(string(rec), "=")
		if !ok {
			continue
		}
		switch key {
		case "name":
			mi.Name = value
		case "vermagic":
			mi.Vermagic = value
		case "version":
			mi.Version = value
		case "license":
			mi.License = value
		case "depends":
			for _, dep := range strings.Split(value, ",") {
				if dep != "" {
					mi.Depends = append(mi.Depends, dep)
				}
			}
		case "parm", "parmtype":
			name, _, _ := strings.Cut(value, ":")
			if _, dup := seenParams[name]; name != "" && !dup {
				seenParams[name] = struct{}{}
				mi.Params = append(mi.Params, name)
			}
		}
	}
	return mi
}
