package host

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/reglet-dev/mediahost/codecs/rawvideo"
	"github.com/reglet-dev/mediahost/domain/entities"
	domerrors "github.com/reglet-dev/mediahost/domain/errors"
)

func TestRegistry_SelectPluginMatchesEveryTag(t *testing.T) {
	r := newTestRegistry(t, &scriptedLauncher{})
	h264 := testDescriptor("h264", entities.Capability{APIName: entities.APIDecodeVideo, Tags: []string{"h264"}})
	multi := testDescriptor("multi",
		entities.Capability{APIName: entities.APIDecodeVideo, Tags: []string{"vp8"}},
		entities.Capability{APIName: entities.APIDecodeVideo, Tags: []string{"h264", "svc"}},
	)
	register(t, r, h264, multi)

	call(t, r, func() {
		h, ok := r.SelectPlugin("", entities.APIDecodeVideo, []string{"h264"})
		require.True(t, ok)
		assert.Same(t, h264, h.Descriptor())

		// Tags may be satisfied by different entries of the same API.
		h, ok = r.SelectPlugin("", entities.APIDecodeVideo, []string{"vp8", "svc"})
		require.True(t, ok)
		assert.Same(t, multi, h.Descriptor())

		_, ok = r.SelectPlugin("", entities.APIEncodeVideo, nil)
		assert.False(t, ok)
		_, ok = r.SelectPlugin("", entities.APIDecodeVideo, []string{"av1"})
		assert.False(t, ok)
	})
}

func TestRegistry_SelectPluginBindsOrigins(t *testing.T) {
	r := newTestRegistry(t, &scriptedLauncher{})
	register(t, r, testDescriptor("a"), testDescriptor("b"))

	call(t, r, func() {
		a, ok := r.SelectPlugin("https://one", entities.APIDecodeVideo, nil)
		require.True(t, ok)
		assert.Equal(t, "a", a.Descriptor().Name)
		assert.Equal(t, "https://one", a.Origin())
		assert.False(t, a.Node().IsNull())

		again, ok := r.SelectPlugin("https://one", entities.APIDecodeVideo, nil)
		require.True(t, ok)
		assert.Same(t, a, again)

		b, ok := r.SelectPlugin("https://two", entities.APIDecodeVideo, nil)
		require.True(t, ok)
		assert.Equal(t, "b", b.Descriptor().Name)
		assert.NotEqual(t, a.Node(), b.Node())

		// Everything is bound now; there is nothing left for a third origin
		// or for an anonymous caller.
		_, ok = r.SelectPlugin("https://three", entities.APIDecodeVideo, nil)
		assert.False(t, ok)
		_, ok = r.SelectPlugin("", entities.APIDecodeVideo, nil)
		assert.False(t, ok)

		_, err := r.OpenDecoder(context.Background(), "https://three", nil)
		var capErr *domerrors.CapabilityError
		require.ErrorAs(t, err, &capErr)
		assert.ErrorIs(t, err, domerrors.ErrNotFound)
	})
}

func TestRegistry_NodeResolver(t *testing.T) {
	r := newTestRegistry(t, &scriptedLauncher{}, WithNodeResolver(func(origin string) entities.NodeID {
		return entities.NodeID("node-" + filepath.Base(origin))
	}))
	register(t, r, testDescriptor("a"))
	call(t, r, func() {
		h, ok := r.SelectPlugin("https://x/site", entities.APIDecodeVideo, nil)
		require.True(t, ok)
		assert.Equal(t, entities.NodeID("node-site"), h.Node())
	})
}

// A host bound to one origin is never handed to another, whatever the
// sequence of requests.
func TestRegistry_OriginExclusivityProperty(t *testing.T) {
	r := newTestRegistry(t, &scriptedLauncher{})

	rapid.Check(t, func(rt *rapid.T) {
		plugins := rapid.IntRange(1, 4).Draw(rt, "plugins")
		origins := rapid.SliceOf(rapid.SampledFrom([]string{"", "a", "b", "c", "d"})).Draw(rt, "origins")

		sub := NewRegistry(&scriptedLauncher{}, WithLoop(r.Loop()))
		var failure string
		call(t, r, func() {
			for i := range plugins {
				sub.add(testDescriptor(string(rune('p' + i))))
			}
			bound := make(map[*PluginHost]string)
			for _, origin := range origins {
				h, ok := sub.SelectPlugin(origin, entities.APIDecodeVideo, nil)
				if !ok {
					continue
				}
				if h.Origin() != origin {
					failure = "selected host bound to " + h.Origin() + " for " + origin
					return
				}
				if prev, seen := bound[h]; seen && prev != origin {
					failure = "host rebound from " + prev + " to " + origin
					return
				}
				bound[h] = origin
			}
		})
		if failure != "" {
			rt.Fatal(failure)
		}
	})
}

func TestRegistry_AddDirectory(t *testing.T) {
	r := newTestRegistry(t, &scriptedLauncher{})
	parent := t.TempDir()
	good := writePlugin(t, parent, rawvideo.Name, rawvideo.Manifest)
	bad := writePlugin(t, parent, "broken", "Name: Broken\nVersion: 1\n")

	require.NoError(t, r.AddDirectory(context.Background(), good))
	require.NoError(t, r.AddDirectory(context.Background(), good+string(filepath.Separator)))

	err := r.AddDirectory(context.Background(), bad)
	var manifestErr *domerrors.ManifestError
	require.ErrorAs(t, err, &manifestErr)

	err = r.AddDirectory(context.Background(), filepath.Join(parent, "not-a-plugin"))
	require.ErrorAs(t, err, &manifestErr)

	call(t, r, func() {
		descs := r.Descriptors()
		require.Len(t, descs, 1)
		assert.Equal(t, rawvideo.Name, descs[0].Name)
	})
}

func TestRegistry_RemoveDirectory(t *testing.T) {
	sl := &scriptedLauncher{}
	r := newTestRegistry(t, sl)
	dir := writePlugin(t, t.TempDir(), "a", "Name: A\nDescription: d\nVersion: 1\nAPIs: decode-video[h264]\n")
	require.NoError(t, r.AddDirectory(context.Background(), dir))
	h, _ := openDecoder(t, r, "o")

	require.NoError(t, r.RemoveDirectory(context.Background(), dir))
	<-h.Done()
	assert.True(t, sl.process(0).killed())

	call(t, r, func() {
		assert.Empty(t, r.Hosts())
		_, ok := r.SelectPlugin("o", entities.APIDecodeVideo, nil)
		assert.False(t, ok)
	})
	err := r.RemoveDirectory(context.Background(), dir)
	assert.ErrorIs(t, err, domerrors.ErrNotFound)
}

func TestRegistry_InitReadsPluginPath(t *testing.T) {
	parent := t.TempDir()
	first := writePlugin(t, parent, "a", "Name: A\nDescription: d\nVersion: 1\nAPIs: decode-video[h264]\n")
	second := writePlugin(t, parent, "b", "Name: B\nDescription: d\nVersion: 2\nAPIs: encode-video[vp8]\n")
	broken := writePlugin(t, parent, "c", "Name: C\n")
	t.Setenv("MEDIAHOST_TEST_PLUGIN_PATH", first+string(filepath.ListSeparator)+broken+string(filepath.ListSeparator)+second)

	r := newTestRegistry(t, &scriptedLauncher{}, WithPathEnv("MEDIAHOST_TEST_PLUGIN_PATH"))
	call(t, r, func() {
		var names []string
		for _, d := range r.Descriptors() {
			names = append(names, d.Name)
		}
		assert.Equal(t, []string{"a", "b"}, names)
	})
}

func TestRegistry_ShutdownUnloadsEveryPlugin(t *testing.T) {
	sl := &scriptedLauncher{}
	r := NewRegistry(sl, WithPathEnv("MEDIAHOST_TEST_PATH_UNSET"))
	require.NoError(t, r.Init(context.Background()))
	register(t, r, testDescriptor("a"), testDescriptor("b"))
	ha, _ := openDecoder(t, r, "one")
	hb, _ := openDecoder(t, r, "two")

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	for _, h := range []*PluginHost{ha, hb} {
		select {
		case <-h.Done():
		default:
			t.Fatalf("%s still running after shutdown", h.Descriptor().Name)
		}
		assert.Equal(t, entities.StateNotLoaded, h.State())
	}
	assert.True(t, sl.process(0).killed())
	assert.True(t, sl.process(1).killed())
	<-r.Loop().Done()
}
