// Package entities provides the core domain types of the media plugin host:
// plugin descriptors and their capabilities, lifecycle states, video frame
// geometry, and storage identifiers. These types carry no behaviour that
// depends on a transport or a backend.
package entities
