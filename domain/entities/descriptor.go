package entities

import (
	"path/filepath"
	"strings"
)

// DirectoryPrefix is the prefix every plugin directory name carries ("gmp-<name>").
const DirectoryPrefix = "gmp-"

// PluginDescriptor is the static description of one installed codec plugin,
// created from its directory manifest. It is shared by every PluginHost
// generation built from the same directory and is immutable once registered.
type PluginDescriptor struct {
	Name         string       `json:"name" validate:"required"`
	DisplayName  string       `json:"display_name"`
	Description  string       `json:"description" validate:"required"`
	Version      string       `json:"version" validate:"required"`
	Directory    string       `json:"directory" validate:"required"`
	Libraries    []string     `json:"libraries,omitempty"`
	Capabilities []Capability `json:"capabilities" validate:"required,min=1,dive"`
}

// Supports reports whether the descriptor declares api with every tag in tags.
// Each tag may be satisfied by a different capability entry with the same API
// name. With no tags, declaring the API is enough.
func (d *PluginDescriptor) Supports(api string, tags []string) bool {
	declared := false
	for _, c := range d.Capabilities {
		if c.APIName == api {
			declared = true
			break
		}
	}
	if !declared {
		return false
	}
	for _, tag := range tags {
		if !d.supportsTag(api, tag) {
			return false
		}
	}
	return true
}

func (d *PluginDescriptor) supportsTag(api, tag string) bool {
	for _, c := range d.Capabilities {
		if c.APIName == api && c.HasTag(tag) {
			return true
		}
	}
	return false
}

// Key identifies the descriptor inside a registry (its cleaned directory).
func (d *PluginDescriptor) Key() string {
	return filepath.Clean(d.Directory)
}

// NameFromDirectory extracts "<name>" from a ".../gmp-<name>" directory.
// It returns false if the base name does not carry the plugin prefix.
func NameFromDirectory(dir string) (string, bool) {
	base := filepath.Base(filepath.Clean(dir))
	if !strings.HasPrefix(base, DirectoryPrefix) {
		return "", false
	}
	name := strings.TrimPrefix(base, DirectoryPrefix)
	if name == "" {
		return "", false
	}
	return name, true
}
