package hymolkm

import (
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestConfigValue_IsEnabled(t *testing.T) {
	tests := []struct {
		value ConfigValue
		want  bool
	}{
		{ConfigNotSet, false},
		{ConfigModule, true},
		{ConfigBuiltin, true},
	}
	for _, tt := range tests {
		if got := tt.value.IsEnabled(); got != tt.want {
			t.Errorf("ConfigValue(%d).IsEnabled() = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestConfigValue_String(t *testing.T) {
	tests := []struct {
		value ConfigValue
		want  string
	}{
		{ConfigNotSet, "not set"},
		{ConfigModule, "m"},
		{ConfigBuiltin, "y"},
		{ConfigValue(99), "ConfigValue(99)"},
	}
	for _, tt := range tests {
		if got := tt.value.String(); got != tt.want {
			t.Errorf("ConfigValue(%d).String() = %q, want %q", tt.value, got, tt.want)
		}
	}
}

func TestKernelConfig_Get(t *testing.T) {
	kc := NewKernelConfig(map[string]ConfigValue{
		"MODULES":          ConfigBuiltin,
		"MODULE_UNLOAD":    ConfigBuiltin,
		"MODULE_SIG":       ConfigBuiltin,
		"MODULE_SIG_FORCE": ConfigModule,
		"OVERLAY_FS":       ConfigModule,
	})

	if got := kc.Get("OVERLAY_FS"); got != ConfigModule {
		t.Errorf("Get(OVERLAY_FS) = %v, want ConfigModule", got)
	}
	if got := kc.Get("NONEXISTENT"); got != ConfigNotSet {
		t.Errorf("Get(NONEXISTENT) = %v, want ConfigNotSet", got)
	}

	// Convenience fields.
	if kc.Modules != ConfigBuiltin {
		t.Errorf("Modules = %v, want ConfigBuiltin", kc.Modules)
	}
	if kc.ModuleUnload != ConfigBuiltin {
		t.Errorf("ModuleUnload = %v, want ConfigBuiltin", kc.ModuleUnload)
	}
	if kc.ModuleSig != ConfigBuiltin {
		t.Errorf("ModuleSig = %v, want ConfigBuiltin", kc.ModuleSig)
	}
	if kc.ModuleSigForce != ConfigModule {
		t.Errorf("ModuleSigForce = %v, want ConfigModule", kc.ModuleSigForce)
	}
}

func TestKernelConfig_Nil(t *testing.T) {
	var kc *KernelConfig
	if got := kc.Get("anything"); got != ConfigNotSet {
		t.Errorf("nil KernelConfig.Get() = %v, want ConfigNotSet", got)
	}
}

func TestKernelConfig_Immutability(t *testing.T) {
	raw := map[string]ConfigValue{
		"MODULES": ConfigBuiltin,
	}
	kc := NewKernelConfig(raw)

	// Mutate the original map.
	raw["MODULES"] = ConfigNotSet
	raw["NEW_KEY"] = ConfigModule

	// KernelConfig should not be affected.
	if kc.Get("MODULES") != ConfigBuiltin {
		t.Error("KernelConfig was affected by mutation of original map")
	}
	if kc.Get("NEW_KEY") != ConfigNotSet {
		t.Error("KernelConfig was affected by addition to original map")
	}
}

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindIO, "io"},
		{KindKernelReject, "kernel-reject"},
		{KindBusy, "busy"},
		{KindResolution, "resolution"},
		{KindCollaborator, "collaborator"},
		{KindInvalidImage, "invalid-image"},
		{Kind(99), "Kind(99)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestError(t *testing.T) {
	t.Run("reason only", func(t *testing.T) {
		e := &Error{Op: "load", Kind: KindResolution, Reason: "no matching module found for android13-5.15"}
		want := "lkm load: no matching module found for android13-5.15"
		if got := e.Error(); got != want {
			t.Errorf("Error() = %q, want %q", got, want)
		}
		if e.Unwrap() != nil {
			t.Error("Unwrap() should be nil")
		}
	})

	t.Run("with errno and hint", func(t *testing.T) {
		e := &Error{Op: "unload", Kind: KindBusy, Reason: "cannot remove hymofs_lkm", Err: unix.EBUSY, Hint: busyHint}
		want := "lkm unload: cannot remove hymofs_lkm: " + unix.EBUSY.Error() + " (" + busyHint + ")"
		if got := e.Error(); got != want {
			t.Errorf("Error() = %q, want %q", got, want)
		}
		if !errors.Is(e, unix.EBUSY) {
			t.Error("errors.Is should match underlying errno")
		}
	})

	t.Run("KindOf", func(t *testing.T) {
		err := fmt.Errorf("boot: %w", &Error{Op: "load", Kind: KindKernelReject})
		kind, ok := KindOf(err)
		if !ok || kind != KindKernelReject {
			t.Errorf("KindOf() = %v, %v; want kernel-reject, true", kind, ok)
		}
		if _, ok := KindOf(errors.New("plain")); ok {
			t.Error("KindOf(plain error) ok = true")
		}
		if _, ok := KindOf(nil); ok {
			t.Error("KindOf(nil) ok = true")
		}
	})
}

func TestLoadParams(t *testing.T) {
	if LoadParams != "hymo_syscall_nr=142" {
		t.Fatalf("LoadParams = %q", LoadParams)
	}
}
