package hymolkm

import (
	"fmt"
	"strings"
)

// String returns a human-readable summary of the host status.
func (hs *HostStatus) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Kernel: %s\n", orNone(hs.KernelRelease))
	if hs.Spoofed() {
		fmt.Fprintf(&b, "  uname reports: %s\n", hs.UnameRelease)
	}
	kmi := orNone(hs.KMI)
	if hs.KMIOverride {
		kmi += " (override)"
	}
	fmt.Fprintf(&b, "KMI: %s\n", kmi)
	fmt.Fprintf(&b, "Arch: %s\n", hs.Arch)
	if hs.AssetName != "" {
		fmt.Fprintf(&b, "Asset: %s\n", hs.AssetName)
	}
	b.WriteString("\n")

	b.WriteString("Module:\n")
	fmt.Fprintf(&b, "  loaded: %s\n", yesNo(hs.Loaded))
	if hs.Loaded {
		writeResult(&b, "  BTF", hs.ModuleBTF)
	}
	fmt.Fprintf(&b, "  autoload: %s\n", yesNo(hs.Autoload))
	if hs.LastError != "" {
		fmt.Fprintf(&b, "  last error: %s\n", hs.LastError)
	}
	b.WriteString("\n")

	if hs.capsProbed {
		b.WriteString("Privileges:\n")
		writeResult(&b, "  CAP_SYS_MODULE", hs.CapSysModule)
		writeResult(&b, "  modules disabled", hs.ModulesDisabled)
		b.WriteString("\n")
	}

	if hs.KernelConfig != nil {
		b.WriteString("Kernel Config:\n")
		writeConfig(&b, "  CONFIG_MODULES", hs.KernelConfig.Modules)
		writeConfig(&b, "  CONFIG_MODULE_UNLOAD", hs.KernelConfig.ModuleUnload)
		writeConfig(&b, "  CONFIG_MODULE_SIG", hs.KernelConfig.ModuleSig)
		writeConfig(&b, "  CONFIG_MODULE_SIG_FORCE", hs.KernelConfig.ModuleSigForce)
	}

	return b.String()
}

func writeResult(b *strings.Builder, name string, r ProbeResult) {
	if r.Error != nil {
		fmt.Fprintf(b, "%s: %s (error: %v)\n", name, yesNo(r.Supported), r.Error)
	} else {
		fmt.Fprintf(b, "%s: %s\n", name, yesNo(r.Supported))
	}
}

func writeConfig(b *strings.Builder, name string, v ConfigValue) {
	fmt.Fprintf(b, "%s: %s\n", name, v)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
