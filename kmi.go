package hymolkm

import (
	"strings"

	"go.uber.org/zap"
)

const androidMarker = "-android"

// ParseKMI derives the kernel module interface string from a kernel
// release, e.g. "5.15.104-android13-8-g1234567" yields "android13-5.15".
//
// Only GKI-style Android releases carry a KMI; any other release, or one
// without a dot, yields the empty string.
func ParseKMI(release string) string {
	dot1 := strings.IndexByte(release, '.')
	if dot1 < 0 {
		return ""
	}
	majorMinor := release
	if dot2 := strings.IndexByte(release[dot1+1:], '.'); dot2 >= 0 {
		majorMinor = release[:dot1+1+dot2]
	}

	pos := strings.Index(release, androidMarker)
	if pos < 0 {
		return ""
	}
	ver := release[pos+len(androidMarker):]
	if end := strings.IndexByte(ver, '-'); end >= 0 {
		ver = ver[:end]
	}
	return "android" + ver + "-" + majorMinor
}

// ResolveKMI returns the KMI used to select a module image: the persisted
// override verbatim if set, otherwise the KMI parsed from the real kernel
// release. The result is empty when neither yields one.
func (m *Manager) ResolveKMI() string {
	if kmi := m.store.KMIOverride(); kmi != "" {
		m.logger.Debug("using KMI override", zap.String("kmi", kmi))
		return kmi
	}
	release := m.kernelRelease()
	if release == "" {
		m.logger.Warn("kernel release unavailable")
		return ""
	}
	return ParseKMI(release)
}

// kernelRelease reads the release from the sysctl first: the module can
// spoof uname(2) for other processes, but not the procfs value.
func (m *Manager) kernelRelease() string {
	if release, err := readFirstLine(m.fs, m.releasePath); err == nil && release != "" {
		return release
	}
	if m.uname == nil {
		return ""
	}
	release, err := m.uname()
	if err != nil {
		m.logger.Warn("uname failed", zap.Error(err))
		return ""
	}
	return release
}
