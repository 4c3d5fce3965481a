// Package platform detects the host platform so the process scanner can pick
// the right process-table commands. WSL matters here: game clients are
// Windows processes, so under WSL the scanner must go through the Windows
// tasklist/taskkill binaries rather than the Linux process table.
package platform

import (
	"os"
	"runtime"
	"strings"
)

// Platform represents the detected platform.
type Platform string

const (
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformWSL     Platform = "wsl"
	PlatformWindows Platform = "windows"
	PlatformUnknown Platform = "unknown"
)

// cached detection result
var detectedPlatform Platform
var detectionDone bool

// Detect returns the current platform, caching the result.
func Detect() Platform {
	if detectionDone {
		return detectedPlatform
	}
	detectedPlatform = detectPlatform()
	detectionDone = true
	return detectedPlatform
}

func detectPlatform() Platform {
	switch runtime.GOOS {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
		if isWSL() {
			return PlatformWSL
		}
		return PlatformLinux
	default:
		return PlatformUnknown
	}
}

func isWSL() bool {
	if os.Getenv("WSL_DISTRO_NAME") != "" {
		return true
	}
	procVersion, err := os.ReadFile("/proc/version")
	if err != nil {
		return false
	}
	v := string(procVersion)
	return strings.Contains(v, "microsoft") || strings.Contains(v, "Microsoft")
}

// UsesWindowsProcessTable reports whether process enumeration must go
// through tasklist/taskkill.
func UsesWindowsProcessTable() bool {
	p := Detect()
	return p == PlatformWindows || p == PlatformWSL
}

// String returns a human-readable platform name.
func (p Platform) String() string {
	switch p {
	case PlatformMacOS:
		return "macOS"
	case PlatformLinux:
		return "Linux"
	case PlatformWSL:
		return "WSL"
	case PlatformWindows:
		return "Windows"
	default:
		return "Unknown"
	}
}
