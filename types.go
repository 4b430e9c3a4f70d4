package hymolkm

import (
	"errors"
	"fmt"
)

// ErrUnsupportedPlatform is returned by every privileged operation on
// platforms other than Linux.
var ErrUnsupportedPlatform = errors.New("hymolkm: unsupported platform (requires Linux)")

// ModuleName is the name the kernel registers the HymoFS LKM under.
const ModuleName = "hymofs_lkm"

// SyscallHookNr is the syscall number the module hooks to expose its
// control channel. It is passed to the module at load time.
const SyscallHookNr = 142

// LoadParams is the module parameter string passed to init_module/finit_module.
var LoadParams = fmt.Sprintf("hymo_syscall_nr=%d", SyscallHookNr)

// busyHint is attached to an unload that failed on every path.
const busyHint = "module may still be busy; stop related mounts/processes or reboot"

// Kind classifies a lifecycle failure.
type Kind int

const (
	// KindIO covers image open/read/stat failures.
	KindIO Kind = iota
	// KindKernelReject means the kernel refused the request.
	KindKernelReject
	// KindBusy means the module stayed busy through every unload attempt.
	KindBusy
	// KindResolution means no KMI could be determined and no legacy image exists.
	KindResolution
	// KindCollaborator covers asset store and control channel failures.
	KindCollaborator
	// KindInvalidImage means the image does not declare the expected module.
	KindInvalidImage
)

var kindNames = map[Kind]string{
	KindIO:           "io",
	KindKernelReject: "kernel-reject",
	KindBusy:         "busy",
	KindResolution:   "resolution",
	KindCollaborator: "collaborator",
	KindInvalidImage: "invalid-image",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Error is the failure payload of a load or unload call.
type Error struct {
	Op     string // "load" or "unload"
	Kind   Kind
	Reason string // operator-facing description
	Err    error
	// Hint is remediation advice appended to the message.
	Hint string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("lkm %s: %s", e.Op, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err if it wraps an *Error.
func KindOf(err error) (Kind, bool) {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind, true
	}
	return 0, false
}

// ProbeResult represents the outcome of a single host probe.
type ProbeResult struct {
	// Supported indicates whether the capability is available.
	Supported bool
	// Error is non-nil if the probe itself failed (not just unsupported).
	Error error
}

// ConfigValue represents a kernel configuration option's state.
type ConfigValue int

const (
	// ConfigNotSet means the option is not set or not found.
	ConfigNotSet ConfigValue = iota
	// ConfigModule means the option is set to =m (module).
	ConfigModule
	// ConfigBuiltin means the option is set to =y (built-in).
	ConfigBuiltin
)

// IsEnabled returns true if the config option is set (either =m or =y).
func (v ConfigValue) IsEnabled() bool {
	return v == ConfigModule || v == ConfigBuiltin
}

func (v ConfigValue) String() string {
	switch v {
	case ConfigNotSet:
		return "not set"
	case ConfigModule:
		return "m"
	case ConfigBuiltin:
		return "y"
	default:
		return fmt.Sprintf("ConfigValue(%d)", v)
	}
}

// KernelConfig holds the parsed kernel configuration options relevant to
// loading and unloading an out-of-tree module.
type KernelConfig struct {
	raw map[string]ConfigValue

	Modules        ConfigValue // CONFIG_MODULES
	ModuleUnload   ConfigValue // CONFIG_MODULE_UNLOAD
	ModuleSig      ConfigValue // CONFIG_MODULE_SIG
	ModuleSigForce ConfigValue // CONFIG_MODULE_SIG_FORCE
}

// Get returns the ConfigValue for a kernel config key without the CONFIG_ prefix.
func (kc *KernelConfig) Get(key string) ConfigValue {
	if kc == nil || kc.raw == nil {
		return ConfigNotSet
	}
	return kc.raw[key]
}

// NewKernelConfig creates a KernelConfig from a raw config map.
// The map is copied.
func NewKernelConfig(raw map[string]ConfigValue) *KernelConfig {
	copied := make(map[string]ConfigValue, len(raw))
	for k, v := range raw {
		copied[k] = v
	}
	return &KernelConfig{
		raw:            copied,
		Modules:        copied["MODULES"],
		ModuleUnload:   copied["MODULE_UNLOAD"],
		ModuleSig:      copied["MODULE_SIG"],
		ModuleSigForce: copied["MODULE_SIG_FORCE"],
	}
}
