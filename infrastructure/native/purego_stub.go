//go:build !(darwin || linux)

package native

import (
	stdErrors "errors"

	"go.uber.org/zap"

	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"github.com/reglet-dev/mediahost/domain/ports"
)

// NewLoadFunc returns a loader that always fails: native plugins are only
// supported on darwin and linux.
func NewLoadFunc(*zap.Logger) func(path string, req ports.LaunchRequest) (ports.CodecModule, error) {
	return func(path string, _ ports.LaunchRequest) (ports.CodecModule, error) {
		return nil, &domerrors.LoadError{Path: path, Err: stdErrors.ErrUnsupported}
	}
}
