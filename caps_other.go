//go:build !linux

package hymolkm

func probeCapability(_ uint) ProbeResult {
	return ProbeResult{Supported: false, Error: ErrUnsupportedPlatform}
}

func probeModuleBTF(_ string) ProbeResult {
	return ProbeResult{Supported: false, Error: ErrUnsupportedPlatform}
}

func unameRelease() (string, error) {
	return "", ErrUnsupportedPlatform
}
