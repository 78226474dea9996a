package app

// Version and BuildCommit are set at build time with -ldflags "-X".
var (
	Version     = "dev"
	BuildCommit = "unknown"
)
