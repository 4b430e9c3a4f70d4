// Package hymolkm manages the lifecycle of the HymoFS loadable kernel
// module: selecting the image built for the running kernel, loading it,
// and draining and unloading it again.
//
// The module image must match the running kernel's module interface (KMI),
// so the KMI is read from /proc/sys/kernel/osrelease rather than uname(2),
// which the module itself may spoof once loaded. A persisted override
// takes precedence over detection.
//
// # Load and Unload
//
//	m := hymolkm.New(hymolkm.WithLogger(logger))
//	if err := m.Load(); err != nil {
//	    var le *hymolkm.Error
//	    if errors.As(err, &le) {
//	        log.Printf("load failed (%s): %s", le.Kind, le.Reason)
//	    }
//	}
//
// Both operations are idempotent: [Manager.Load] returns nil without
// touching the filesystem when the module is already available, and
// [Manager.Unload] returns nil when it is not loaded. Loadedness is decided
// by the [ControlChannel], never by a cached flag.
//
// Load tries finit_module(2) and falls back to init_module(2) on kernels
// without it. EEXIST from either counts as success, since another process
// may have won the race.
//
// Unload first drains the control channel (hooks off, rules cleared, the
// process's own handle released), then calls blocking delete_module(2)
// up to five times while the kernel reports EBUSY or EAGAIN, and finally
// runs rmmod as a last resort.
//
// # Boot
//
// [Manager.Autoload] is the boot entry point. It honours the persisted
// autoload flag (enabled unless set otherwise) and never fails the caller.
//
// # Host Probe
//
// [Manager.Probe] reports the real and reported kernel release, KMI,
// CAP_SYS_MODULE, module-related kernel config and loaded-module BTF;
// [HostStatus.Diagnose] turns it into operator remediation steps.
package hymolkm
