//go:build windows

package main

import (
	"log/slog"
	"os"
)

func notifySignals() []os.Signal {
	// Windows does not support Unix-style SIGUSR* signals.
	return []os.Signal{os.Interrupt}
}

// handleSignal returns true if the signal was handled and the server
// should keep running. Windows has no runtime toggles; any signal
// triggers shutdown.
func handleSignal(_ os.Signal, _ *slog.Logger, _ *metricsController) bool {
	return false
}
