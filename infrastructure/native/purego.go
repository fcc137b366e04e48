//go:build darwin || linux

package native

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
	"go.uber.org/zap"

	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"github.com/reglet-dev/mediahost/domain/ports"
)

// purego callbacks are a process-wide, never-freed resource, so every library
// shares one log trampoline.
var (
	logOnce     sync.Once
	logCallback uintptr
	logTarget   atomic.Pointer[zap.Logger]
)

func logTrampoline(logger *zap.Logger) uintptr {
	logTarget.Store(logger)
	logOnce.Do(func() {
		logCallback = purego.NewCallback(func(level, msg uintptr) uintptr {
			l := logTarget.Load()
			if l == nil {
				return 0
			}
			text := goString(msg)
			switch int32(level) {
			case logDebug:
				l.Debug(text)
			case logInfo:
				l.Info(text)
			case logWarn:
				l.Warn(text)
			default:
				l.Error(text)
			}
			return 0
		})
	})
	return logCallback
}

// NewLoadFunc returns a loader for native libraries, usable with
// child.WithFormat for ".so" and ".dylib".
func NewLoadFunc(logger *zap.Logger) func(path string, req ports.LaunchRequest) (ports.CodecModule, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(path string, _ ports.LaunchRequest) (ports.CodecModule, error) {
		lib, err := open(path, logger)
		if err != nil {
			return nil, err
		}
		return newModule(lib, path, logger), nil
	}
}

type dlLibrary struct {
	logger      *zap.Logger
	gmpInit     func(log uintptr) int32
	gmpGetAPI   func(api string) uintptr
	gmpShutdown func()
	gmpGetError func() uintptr
	decoders    *decoderFuncs
	encoders    *encoderFuncs
	path        string
	handle      uintptr
}

func open(path string, logger *zap.Logger) (*dlLibrary, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, &domerrors.LoadError{Path: path, Err: err}
	}
	lib := &dlLibrary{logger: logger.With(zap.String("library", path)), path: path, handle: handle}
	required := []struct {
		fn   any
		name string
	}{
		{&lib.gmpInit, "GMPInit"},
		{&lib.gmpGetAPI, "GMPGetAPI"},
		{&lib.gmpShutdown, "GMPShutdown"},
	}
	for _, sym := range required {
		if err := lib.bind(sym.fn, sym.name); err != nil {
			_ = purego.Dlclose(handle)
			return nil, err
		}
	}
	if err := lib.bind(&lib.gmpGetError, "GMPGetError"); err != nil {
		lib.gmpGetError = nil
	}
	return lib, nil
}

func (l *dlLibrary) bind(fn any, name string) error {
	sym, err := purego.Dlsym(l.handle, name)
	if err != nil || sym == 0 {
		return &domerrors.LoadError{Path: l.path, Symbol: name, Err: fmt.Errorf("symbol not found: %w", domerrors.ErrNotFound)}
	}
	purego.RegisterFunc(fn, sym)
	return nil
}

func (l *dlLibrary) init() error {
	if rc := l.gmpInit(logTrampoline(l.logger)); rc != 0 {
		if msg := l.lastError(); msg != "" {
			return fmt.Errorf("init returned %d: %s", rc, msg)
		}
		return fmt.Errorf("init returned %d", rc)
	}
	return nil
}

// table reads n function pointers from the API table GMPGetAPI returns.
func (l *dlLibrary) table(api string, n int) ([]uintptr, error) {
	ptr := l.gmpGetAPI(api)
	if ptr == 0 {
		return nil, &domerrors.LoadError{Path: l.path, Symbol: "GMPGetAPI(" + api + ")", Err: domerrors.ErrNotFound}
	}
	entries := unsafe.Slice((*uintptr)(unsafe.Pointer(ptr)), n)
	for i, e := range entries {
		if e == 0 {
			return nil, &domerrors.LoadError{Path: l.path, Symbol: fmt.Sprintf("%s[%d]", api, i), Err: domerrors.ErrNotFound}
		}
	}
	return entries, nil
}

func (l *dlLibrary) decoder() (*decoderFuncs, error) {
	if l.decoders != nil {
		return l.decoders, nil
	}
	t, err := l.table("decode-video", 4)
	if err != nil {
		return nil, err
	}
	fns := &decoderFuncs{}
	purego.RegisterFunc(&fns.create, t[0])
	purego.RegisterFunc(&fns.decode, t[1])
	purego.RegisterFunc(&fns.reset, t[2])
	purego.RegisterFunc(&fns.destroy, t[3])
	l.decoders = fns
	return fns, nil
}

func (l *dlLibrary) encoder() (*encoderFuncs, error) {
	if l.encoders != nil {
		return l.encoders, nil
	}
	t, err := l.table("encode-video", 5)
	if err != nil {
		return nil, err
	}
	fns := &encoderFuncs{}
	purego.RegisterFunc(&fns.create, t[0])
	purego.RegisterFunc(&fns.encode, t[1])
	purego.RegisterFunc(&fns.maxOutputSize, t[2])
	purego.RegisterFunc(&fns.setRates, t[3])
	purego.RegisterFunc(&fns.destroy, t[4])
	l.encoders = fns
	return fns, nil
}

func (l *dlLibrary) lastError() string {
	if l.gmpGetError == nil {
		return ""
	}
	return goString(l.gmpGetError())
}

func (l *dlLibrary) shutdown() {
	l.gmpShutdown()
	if err := purego.Dlclose(l.handle); err != nil {
		l.logger.Debug("dlclose failed", zap.Error(err))
	}
}

// goString copies a NUL-terminated C string of at most 4 KiB.
func goString(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	const limit = 4096
	n := 0
	for n < limit && *(*byte)(unsafe.Pointer(ptr + uintptr(n))) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n))
}
