// Package ports defines the interfaces between the plugin host core and the
// collaborators it treats as external: the message channel to a plugin
// process, the process launcher, the codec module a plugin process loads, and
// the storage backends. Infrastructure adapters implement these.
package ports
