//go:build !windows

package util

import (
	"os"
	"syscall"
)

// ShutdownSignals returns the signals to listen for graceful shutdown.
func ShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// ChatToggleSignals returns the signals that trigger the single-button
// chat interaction on hosts without a physical button.
func ChatToggleSignals() []os.Signal {
	return []os.Signal{syscall.SIGUSR1}
}
