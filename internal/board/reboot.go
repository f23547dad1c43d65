package board

import (
	"log/slog"
	"os"
)

// RebootExitCode signals the supervising process manager to restart the
// daemon.
const RebootExitCode = 10

// ProcessRebooter reboots the device by exiting with RebootExitCode; the
// service supervisor restarts the process, which on this platform is the
// device reboot.
type ProcessRebooter struct{}

// Reboot terminates the process for a supervisor restart.
func (ProcessRebooter) Reboot() {
	slog.Info("rebooting")
	os.Exit(RebootExitCode)
}
