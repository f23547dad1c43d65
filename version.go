package main

// Build information, set via ldflags at build time.
var (
	// Version is the firmware version, e.g. "1.4.2".
	Version = "dev"
	// Commit is the git commit hash.
	Commit = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)
