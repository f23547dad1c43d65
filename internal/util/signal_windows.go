//go:build windows

package util

import "os"

// ShutdownSignals returns the signals to listen for graceful shutdown.
func ShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// ChatToggleSignals returns no signals on Windows, which has no SIGUSR1.
func ChatToggleSignals() []os.Signal {
	return nil
}
