package hymolkm

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
)

func TestParseModinfo(t *testing.T) {
	data := strings.Join([]string{
		"license=GPL",
		"author=HymoFS",
		"parmtype=hymo_syscall_nr:int",
		"parm=hymo_syscall_nr:syscall number to hook",
		"parmtype=debug:bool",
		"depends=",
		"name=hymofs_lkm",
		"vermagic=5.15.104-android13-8-g1234567 SMP preempt mod_unload modversions aarch64",
		"garbage-without-separator",
		"",
	}, "\x00")

	got := parseModinfo([]byte(data))
	want := &Modinfo{
		Name:     "hymofs_lkm",
		Vermagic: "5.15.104-android13-8-g1234567 SMP preempt mod_unload modversions aarch64",
		License:  "GPL",
		Params:   []string{"hymo_syscall_nr", "debug"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseModinfo() mismatch (-want +got):\n%s", diff)
	}
	if kmi := got.KMI(); kmi != "android13-5.15" {
		t.Errorf("KMI() = %q, want %q", kmi, "android13-5.15")
	}
}

func TestParseModinfo_Depends(t *testing.T) {
	got := parseModinfo([]byte("depends=overlay,,fuse\x00"))
	if diff := cmp.Diff([]string{"overlay", "fuse"}, got.Depends); diff != "" {
		t.Errorf("Depends mismatch (-want +got):\n%s", diff)
	}
	if got.KMI() != "" {
		t.Errorf("KMI() = %q without vermagic, want empty", got.KMI())
	}
}

func TestReadModinfo(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/m.ko", string(modinfoELF(
		"name=hymofs_lkm",
		"vermagic=6.1.25-android14-11-gabcdef SMP preempt mod_unload aarch64",
		"version=1.4.0",
	)))

	mi, err := ReadModinfo(fs, "/m.ko")
	if err != nil {
		t.Fatalf("ReadModinfo() error = %v", err)
	}
	if mi.Name != ModuleName || mi.Version != "1.4.0" {
		t.Errorf("ReadModinfo() = %+v", mi)
	}
	if mi.KMI() != "android14-6.1" {
		t.Errorf("KMI() = %q, want %q", mi.KMI(), "android14-6.1")
	}
}

func TestReadModinfo_Errors(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/not-elf.ko", "plain text")

	tests := []struct {
		name string
		path string
	}{
		{"missing file", "/missing.ko"},
		{"not an ELF", "/not-elf.ko"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadModinfo(fs, tt.path); err == nil {
				t.Fatalf("ReadModinfo(%q) expected error", tt.path)
			}
		})
	}
}
