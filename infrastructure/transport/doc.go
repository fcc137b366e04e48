// Package transport implements ports.Channel.
//
// Pipe connects two endpoints inside one process and hands envelopes over
// without copying, which makes it the transport of the in-process launcher and
// of tests. Stream frames envelopes over any io.ReadWriteCloser, such as the
// stdio pipes of a child process.
package transport
