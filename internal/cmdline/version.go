package cmdline

// version is overwritten at build time via -ldflags "-X ...=...".
var version = "dev"

// versionString returns the version string printed by --version.
func versionString() (s string) {
	return "ftthd " + version
}
