package host

import (
	"context"

	"github.com/reglet-dev/mediahost/application/session"
	"github.com/reglet-dev/mediahost/domain/entities"
	domerrors "github.com/reglet-dev/mediahost/domain/errors"
)

// SelectPlugin returns the first registered host that declares api with
// every tag in tags and may serve origin. With an empty origin only unbound
// hosts qualify. Otherwise a host already bound to origin or, failing that,
// an unbound one qualifies; an unbound host becomes bound to origin. The
// first qualifying host in registration order wins. Must run on the loop.
func (r *Registry) SelectPlugin(origin, api string, tags []string) (*PluginHost, bool) {
	r.loop.AssertOnLoop()
	for _, s := range r.slots {
		if !s.desc.Supports(api, tags) {
			continue
		}
		h := r.live(s)
		if h == nil {
			continue
		}
		switch {
		case h.origin == "" && origin == "":
			return h, true
		case h.origin == "":
			h.bind(origin)
			return h, true
		case h.origin == origin:
			return h, true
		}
	}
	return nil, false
}

// live returns the generation of s that can take new sessions, replacing a
// finished one unless the registry is shutting down.
func (r *Registry) live(s *slot) *PluginHost {
	if !s.current.finished {
		return s.current
	}
	if r.shuttingDown {
		return nil
	}
	return r.revive(s)
}

// OpenDecoder selects a plugin able to decode with tags for origin and opens
// a decoder session in it. Must run on the loop.
func (r *Registry) OpenDecoder(ctx context.Context, origin string, tags []string) (*session.Decoder, error) {
	h, ok := r.SelectPlugin(origin, entities.APIDecodeVideo, tags)
	if !ok {
		return nil, &domerrors.CapabilityError{API: entities.APIDecodeVideo, Origin: origin, Tags: tags}
	}
	return h.GetDecoder(ctx)
}

// OpenEncoder selects a plugin able to encode with tags for origin and opens
// an encoder session in it. Must run on the loop.
func (r *Registry) OpenEncoder(ctx context.Context, origin string, tags []string) (*session.Encoder, error) {
	h, ok := r.SelectPlugin(origin, entities.APIEncodeVideo, tags)
	if !ok {
		return nil, &domerrors.CapabilityError{API: entities.APIEncodeVideo, Origin: origin, Tags: tags}
	}
	return h.GetEncoder(ctx)
}
