// Package version holds build metadata for VPNFleet binaries.
package version

// Version is overridden at build time with -ldflags "-X".
var Version = "0.1.0-dev"

// Commit is the VCS revision the binary was built from.
var Commit = "unknown"

// GetVersion returns the current version string.
func GetVersion() string {
	return Version
}

// String returns version and commit in a single line.
func String() string {
	return "vpnfleet " + Version + " (" + Commit + ")"
}
