//go:build linux

package hymolkm

import "testing"

func TestProbeCapability(t *testing.T) {
	r := probeCapability(capSysModule)
	if r.Error != nil {
		t.Fatalf("probeCapability() error = %v", r.Error)
	}
}

func TestUnameRelease(t *testing.T) {
	release, err := unameRelease()
	if err != nil {
		t.Fatalf("unameRelease() error = %v", err)
	}
	if release == "" {
		t.Fatal("unameRelease() returned empty release")
	}
}

func TestProbeModuleBTF_Missing(t *testing.T) {
	r := probeModuleBTF("hymolkm_test_no_such_module")
	if r.Supported {
		t.Fatal("probeModuleBTF() Supported = true for a missing module")
	}
}
