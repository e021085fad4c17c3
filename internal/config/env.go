package config

import "os"

// Environment variable keys
const (
	envSource    = "FERRY_SOURCE"
	envSourceCLI = "cli"
)

// IsCLIBuild reports whether the current process is a CLI-driven build.
// Bundling side effects only happen in that case, so embedding ferry as a
// library never writes files by accident.
func IsCLIBuild() bool {
	return os.Getenv(envSource) == envSourceCLI
}

// SetSourceCLI marks the current process as a CLI-driven build.
func SetSourceCLI() {
	os.Setenv(envSource, envSourceCLI)
}
