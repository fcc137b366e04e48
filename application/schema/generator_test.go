package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_SimpleStruct(t *testing.T) {
	type Limits struct {
		MaxRecordSize int    `json:"max_record_size"`
		ProfileDir    string `json:"profile_dir" jsonschema:"description=Profile directory"`
	}

	out, err := Generate(Limits{}, "limits")
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "limits", decoded["title"])

	props, ok := decoded["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "max_record_size")
	assert.Contains(t, props, "profile_dir")
	assert.Contains(t, string(out), "Profile directory")
}

func TestGenerate_NestedStruct(t *testing.T) {
	type Inner struct {
		Level string `json:"level"`
	}
	type Outer struct {
		Log Inner `json:"log"`
	}

	out, err := Generate(Outer{}, "")
	require.NoError(t, err)
	assert.Contains(t, string(out), "level")
	assert.NotContains(t, string(out), `"title"`)
}
