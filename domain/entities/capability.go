package entities

import (
	"fmt"
	"sort"
	"strings"
)

// Well-known API names a codec plugin can declare.
const (
	APIDecodeVideo = "decode-video"
	APIEncodeVideo = "encode-video"
	APIDecodeAudio = "decode-audio"
	APIDecryptor   = "eme-decrypt"
)

// Capability is an (API name, tag set) pair a plugin declares it can perform.
// Manifest form: "decode-video[h264:temporal-svc]".
type Capability struct {
	APIName string   `json:"api" validate:"required"`
	Tags    []string `json:"tags,omitempty" validate:"dive,required"`
}

// HasTag reports whether the capability declares tag.
func (c Capability) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// TagSet returns the tags as a set.
func (c Capability) TagSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Tags))
	for _, t := range c.Tags {
		set[t] = struct{}{}
	}
	return set
}

// String returns the capability in manifest form.
func (c Capability) String() string {
	if len(c.Tags) == 0 {
		return c.APIName
	}
	return c.APIName + "[" + strings.Join(c.Tags, ":") + "]"
}

// ParseCapability parses one "api[tag1:tag2]" token. A token without brackets
// declares an API with no tags.
func ParseCapability(token string) (Capability, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Capability{}, fmt.Errorf("empty API token")
	}

	open := strings.IndexByte(token, '[')
	if open < 0 {
		if strings.ContainsAny(token, "]:") {
			return Capability{}, fmt.Errorf("malformed API token %q", token)
		}
		return Capability{APIName: token}, nil
	}
	if open == 0 {
		return Capability{}, fmt.Errorf("API token %q has no name", token)
	}
	if !strings.HasSuffix(token, "]") || strings.IndexByte(token, ']') != len(token)-1 {
		return Capability{}, fmt.Errorf("API token %q is missing a closing bracket", token)
	}

	capability := Capability{APIName: strings.TrimSpace(token[:open])}
	inner := token[open+1 : len(token)-1]
	if inner == "" {
		return capability, nil
	}
	for _, tag := range strings.Split(inner, ":") {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			return Capability{}, fmt.Errorf("API token %q has an empty tag", token)
		}
		capability.Tags = append(capability.Tags, tag)
	}
	return capability, nil
}

// ParseCapabilities parses a comma-separated APIs record value.
func ParseCapabilities(value string) ([]Capability, error) {
	var caps []Capability
	for _, token := range strings.Split(value, ",") {
		if strings.TrimSpace(token) == "" {
			continue
		}
		c, err := ParseCapability(token)
		if err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	if len(caps) == 0 {
		return nil, fmt.Errorf("no APIs declared")
	}
	return caps, nil
}

// SortedTags returns a sorted copy of tags, used for stable log output.
func SortedTags(tags []string) []string {
	out := append([]string(nil), tags...)
	sort.Strings(out)
	return out
}
