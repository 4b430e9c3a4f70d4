package hymolkm

import (
	"errors"
	"os"
	"strings"
)

// HostStatus aggregates what the host reports about its ability to load
// and unload the module.
type HostStatus struct {
	// KernelRelease is the real release from procfs; UnameRelease is what
	// uname(2) reports, which differs when the module spoofs it.
	KernelRelease string
	UnameRelease  string
	KMI           string
	KMIOverride   bool
	Arch          Arch
	AssetName     string

	// Module state as seen by the control channel.
	Loaded    bool
	ModuleBTF ProbeResult

	Autoload  bool
	LastError string

	// CapSysModule reports CAP_SYS_MODULE in the effective set.
	CapSysModule ProbeResult
	// ModulesDisabled: Supported=true means module loading is locked off
	// until reboot (/proc/sys/kernel/modules_disabled=1).
	ModulesDisabled ProbeResult

	// KernelConfig is nil unless probed and available.
	KernelConfig *KernelConfig

	capsProbed bool
}

// probeConfig holds the configuration for a probe operation.
type probeConfig struct {
	kernelConfig bool
	capabilities bool
	moduleBTF    bool
}

// ProbeOption configures what [Manager.Probe] collects.
type ProbeOption func(*probeConfig)

// WithKernelConfig parses the kernel configuration for module support.
func WithKernelConfig() ProbeOption {
	return func(c *probeConfig) {
		c.kernelConfig = true
	}
}

// WithCapabilities probes CAP_SYS_MODULE and the modules_disabled sysctl.
func WithCapabilities() ProbeOption {
	return func(c *probeConfig) {
		c.capabilities = true
	}
}

// WithModuleBTF checks whether the loaded module exposes BTF.
func WithModuleBTF() ProbeOption {
	return func(c *probeConfig) {
		c.moduleBTF = true
	}
}

// WithAll enables every probe.
func WithAll() ProbeOption {
	return func(c *probeConfig) {
		c.kernelConfig = true
		c.capabilities = true
		c.moduleBTF = true
	}
}

const modulesDisabledPath = "/proc/sys/kernel/modules_disabled"

// Probe collects the host status. Release, KMI, persisted configuration
// and loadedness are always populated; opts enable the costlier probes.
func (m *Manager) Probe(opts ...ProbeOption) *HostStatus {
	cfg := &probeConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	hs := &HostStatus{
		Arch:        m.arch,
		KMI:         m.ResolveKMI(),
		KMIOverride: m.store.KMIOverride() != "",
		Loaded:      m.IsLoaded(),
		Autoload:    m.store.Autoload(),
		LastError:   m.store.LastError(),
	}
	hs.KernelRelease, _ = readFirstLine(m.fs, m.releasePath)
	if m.uname != nil {
		hs.UnameRelease, _ = m.uname()
	}
	if hs.KMI != "" {
		hs.AssetName = AssetName(hs.KMI, m.arch)
	}

	if cfg.kernelConfig {
		release := hs.KernelRelease
		if release == "" {
			release = hs.UnameRelease
		}
		// Kernel config is optional.
		hs.KernelConfig, _ = readKernelConfig(m.fs, release)
	}

	if cfg.capabilities {
		hs.capsProbed = true
		hs.CapSysModule = probeCapability(capSysModule)
		hs.ModulesDisabled = m.probeSysctlNonZero(modulesDisabledPath)
	}

	if cfg.moduleBTF && hs.Loaded {
		hs.ModuleBTF = probeModuleBTF(ModuleName)
	}

	return hs
}

// probeSysctlNonZero reads a sysctl file and returns Supported=true if the
// value is a non-zero integer.
func (m *Manager) probeSysctlNonZero(path string) ProbeResult {
	v, err := readFirstLine(m.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ProbeResult{Supported: false}
		}
		return ProbeResult{Supported: false, Error: err}
	}
	v = strings.TrimSpace(v)
	return ProbeResult{Supported: v != "0" && v != ""}
}

// Spoofed reports whether uname(2) disagrees with the real release.
func (hs *HostStatus) Spoofed() bool {
	return hs.KernelRelease != "" && hs.UnameRelease != "" && hs.KernelRelease != hs.UnameRelease
}

// Diagnose lists the conditions that will make a load or unload fail,
// each with a remediation. It is empty when nothing is known to block.
func (hs *HostStatus) Diagnose() []string {
	var problems []string
	kc := hs.KernelConfig // may be nil

	if kc != nil && !kc.Modules.IsEnabled() {
		problems = append(problems, "CONFIG_MODULES not set; this kernel cannot load modules")
	}
	if hs.ModulesDisabled.Supported {
		problems = append(problems, "module loading locked (kernel.modules_disabled=1); reboot to re-enable")
	}
	if !hs.CapSysModule.Supported && hs.CapSysModule.Error == nil && hs.capsProbed {
		problems = append(problems, "missing CAP_SYS_MODULE; run as root")
	}
	if kc != nil && kc.ModuleSigForce.IsEnabled() {
		problems = append(problems, "CONFIG_MODULE_SIG_FORCE=y; the image must be signed with the kernel's key")
	}
	if hs.KMI == "" {
		problems = append(problems, "no KMI detected for this kernel; set one with `hymolkm kmi --set <kmi>`")
	}
	if hs.Loaded && kc != nil && !kc.ModuleUnload.IsEnabled() {
		problems = append(problems, "CONFIG_MODULE_UNLOAD not set; the module can only be removed by rebooting")
	}
	return problems
}
