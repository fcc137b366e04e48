package child

import (
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"github.com/reglet-dev/mediahost/domain/ports"
)

// ModuleFactory creates a statically linked codec module.
type ModuleFactory func() ports.CodecModule

// LoadFunc opens the codec module stored in the library at path.
type LoadFunc func(path string, req ports.LaunchRequest) (ports.CodecModule, error)

// Loader resolves a plugin directory to a codec module. Statically linked
// modules are matched by plugin name first; otherwise the directory is
// searched for a library whose extension has a registered LoadFunc.
type Loader struct {
	static  map[string]ModuleFactory
	formats map[string]LoadFunc
}

var _ ports.ModuleLoader = (*Loader)(nil)

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithStatic registers a statically linked module for plugin name.
func WithStatic(name string, f ModuleFactory) LoaderOption {
	return func(l *Loader) {
		l.static[name] = f
	}
}

// WithFormat registers fn for libraries ending in ext (".so", ".wasm", ...).
func WithFormat(ext string, fn LoadFunc) LoaderOption {
	return func(l *Loader) {
		l.formats[strings.ToLower(ext)] = fn
	}
}

// NewLoader creates a Loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		static:  make(map[string]ModuleFactory),
		formats: make(map[string]LoadFunc),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LibraryCandidates returns the file names a plugin's module may use, in
// search order.
func LibraryCandidates(name string) []string {
	return []string{
		name + ".wasm",
		"lib" + name + ".so",
		"lib" + name + ".dylib",
		name + ".dll",
	}
}

// Load implements ports.ModuleLoader.
func (l *Loader) Load(req ports.LaunchRequest) (ports.CodecModule, error) {
	if f, ok := l.static[req.Name]; ok {
		return f(), nil
	}
	for _, candidate := range LibraryCandidates(req.Name) {
		fn, ok := l.formats[strings.ToLower(filepath.Ext(candidate))]
		if !ok {
			continue
		}
		path := filepath.Join(req.Directory, candidate)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		module, err := fn(path, req)
		if err != nil {
			var le *domerrors.LoadError
			if stdErrors.As(err, &le) {
				return nil, err
			}
			return nil, &domerrors.LoadError{Path: path, Err: err}
		}
		return module, nil
	}
	return nil, &domerrors.LoadError{Path: req.Directory, Err: fmt.Errorf("no loadable module for %q: %w", req.Name, domerrors.ErrNotFound)}
}
