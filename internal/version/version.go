package version

import (
	"fmt"
	"runtime"
)

// Set at build time via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GoVersion returns the Go runtime version string.
func GoVersion() string { return runtime.Version() }

// Info formats the build information block printed by each service's
// version command.
func Info(service string) string {
	return fmt.Sprintf("%s %s\n  commit:     %s\n  built:      %s\n  go version: %s\n",
		service, Version, GitCommit, BuildTime, GoVersion())
}
