package manifest

import (
	"github.com/reglet-dev/mediahost/application/schema"
	"github.com/reglet-dev/mediahost/domain/entities"
)

// DescriptorSchema returns the JSON schema of a parsed plugin descriptor.
func DescriptorSchema() ([]byte, error) {
	return schema.Generate(&entities.PluginDescriptor{}, "Plugin descriptor")
}
