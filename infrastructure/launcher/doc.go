// Package launcher starts plugin processes. InProc runs the child runtime on
// goroutines over an in-memory pipe; Subprocess re-executes a binary that
// serves the child runtime on its standard streams. Both implement
// ports.Launcher.
package launcher
