package main

// build information, overridden at build time via -ldflags
var (
	Version   = "1.0.0"
	Commit    = "unknown"
	BuildDate = "unknown"
)
