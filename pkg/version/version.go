// Package version holds build-time version information. Version is
// overridden at build time via -ldflags "-X .../pkg/version.Version=...".
package version

// Version is the build version string. Set via -ldflags at release build
// time; left as "dev" for local builds.
var Version = "dev"
