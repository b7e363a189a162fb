package aesgcm

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// archAESProbe maps an architecture to the CPU feature bit that tells us
// crypto/aes will run on dedicated instructions there (AES-NI on x86,
// the Cryptography Extensions on arm64, CPACF on s390x).
var archAESProbe = map[string]func() bool{
	"amd64": func() bool { return cpu.X86.HasAES },
	"386":   func() bool { return cpu.X86.HasAES },
	"arm64": func() bool { return cpu.ARM64.HasAES },
	"s390x": func() bool { return cpu.S390X.HasAES },
}

// HardwareAESAvailable reports whether the running CPU exposes AES
// instructions this build knows how to detect.
func HardwareAESAvailable() bool {
	probe, ok := archAESProbe[runtime.GOARCH]
	return ok && probe()
}

// AccelerationActive reports whether hardware AES is present and allowed
// by the per-architecture enable flags. Architectures without a flag of
// their own are governed only by hardware presence.
func AccelerationActive(enableAESNI, enableARMv8AES bool) bool {
	if !HardwareAESAvailable() {
		return false
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		return enableAESNI
	case "arm64":
		return enableARMv8AES
	}
	return true
}

// AccelerationInfo returns a diagnostics snapshot of the hardware
// acceleration state for the current process.
func AccelerationInfo(enableAESNI, enableARMv8AES bool) map[string]any {
	return map[string]any{
		"architecture":                 runtime.GOARCH,
		"aes_hardware_support":         HardwareAESAvailable(),
		"hardware_acceleration_active": AccelerationActive(enableAESNI, enableARMv8AES),
	}
}
