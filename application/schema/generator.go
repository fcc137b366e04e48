// Package schema reflects JSON schemas from Go structs for the config file and
// plugin descriptors.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Generate creates an indented JSON schema (Draft 2020-12) for v. Struct
// definitions are expanded inline; field descriptions come from
// `jsonschema:"description=..."` tags.
func Generate(v any, title string) ([]byte, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
	}
	s := reflector.Reflect(v)
	if title != "" {
		s.Title = title
	}

	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return out, nil
}
