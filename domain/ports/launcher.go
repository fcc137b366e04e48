package ports

import (
	"context"
)

// LaunchRequest describes the plugin a new process will host.
type LaunchRequest struct {
	Directory string
	Name      string
	Libraries []string
}

// Process is one running plugin process.
type Process interface {
	// ID identifies the process in logs.
	ID() string

	// Channel returns the message channel to the process.
	Channel() Channel

	// Kill terminates the process without waiting for it to exit cleanly.
	Kill() error

	// Done is closed once the process has exited.
	Done() <-chan struct{}
}

// Launcher starts sandboxed plugin processes.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (Process, error)
}
