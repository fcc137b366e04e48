// Package child is the plugin-process side of the host protocol. A Runtime
// owns one channel to the host, loads one codec module and runs an actor per
// decoder, encoder and storage client the host or the codec creates.
//
// All actor state lives on the runtime's loop. The codec receives a
// ports.Platform whose RunOnMainThread queues onto that loop, and every
// codec callback is marshalled there before it reaches the channel.
package child
