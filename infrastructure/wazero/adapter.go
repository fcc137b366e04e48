package wazero

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"github.com/reglet-dev/mediahost/domain/ports"
)

const (
	exportAllocate   = "allocate"
	exportDeallocate = "deallocate"
	exportCodecCall  = "codec_call"
	exportInitialize = "_initialize"
)

// AdapterConfig holds configuration for WASM codec modules.
type AdapterConfig struct {
	logger *zap.Logger

	// ModuleName is the host module name (default: "mediahost").
	ModuleName string

	// MaxResponseSize limits the size of a response read from guest memory.
	// Default is 64MB.
	MaxResponseSize uint32

	// MemoryLimitPages caps guest linear memory in 64KiB pages. Default is
	// 4096 (256MB).
	MemoryLimitPages uint32

	// CallTimeout bounds a single codec_call. The guest is aborted when it
	// expires.
	CallTimeout time.Duration
}

// AdapterOption configures the adapter.
type AdapterOption func(*AdapterConfig)

// WithModuleName sets the host module name.
func WithModuleName(name string) AdapterOption {
	return func(c *AdapterConfig) {
		c.ModuleName = name
	}
}

// WithMaxResponseSize sets the maximum response size from guest memory.
func WithMaxResponseSize(size uint32) AdapterOption {
	return func(c *AdapterConfig) {
		c.MaxResponseSize = size
	}
}

// WithMemoryLimitPages caps guest memory.
func WithMemoryLimitPages(pages uint32) AdapterOption {
	return func(c *AdapterConfig) {
		c.MemoryLimitPages = pages
	}
}

// WithCallTimeout bounds each guest call.
func WithCallTimeout(d time.Duration) AdapterOption {
	return func(c *AdapterConfig) {
		c.CallTimeout = d
	}
}

// WithLogger sets the logger guest log_message calls are written to.
func WithLogger(l *zap.Logger) AdapterOption {
	return func(c *AdapterConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

func defaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		logger:           zap.NewNop(),
		ModuleName:       "mediahost",
		MaxResponseSize:  64 << 20,
		MemoryLimitPages: 4096,
		CallTimeout:      5 * time.Second,
	}
}

// NewLoadFunc returns a loader for ".wasm" codec modules, usable with
// child.WithFormat.
func NewLoadFunc(opts ...AdapterOption) func(path string, req ports.LaunchRequest) (ports.CodecModule, error) {
	cfg := defaultAdapterConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return func(path string, _ ports.LaunchRequest) (ports.CodecModule, error) {
		wasmBytes, err := os.ReadFile(path)
		if err != nil {
			return nil, &domerrors.LoadError{Path: path, Err: err}
		}
		inst, err := instantiate(context.Background(), path, wasmBytes, cfg)
		if err != nil {
			return nil, err
		}
		return newModule(inst, path, cfg.logger), nil
	}
}

// instance is one instantiated guest with its own runtime.
type instance struct {
	runtime  wazero.Runtime
	module   api.Module
	allocate api.Function
	release  api.Function
	call     api.Function
	config   AdapterConfig
}

func instantiate(ctx context.Context, path string, wasmBytes []byte, cfg AdapterConfig) (*instance, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(cfg.MemoryLimitPages))
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	if err := registerHostModule(ctx, rt, cfg); err != nil {
		_ = rt.Close(ctx)
		return nil, &domerrors.LoadError{Path: path, Err: fmt.Errorf("register host module: %w", err)}
	}

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, &domerrors.LoadError{Path: path, Err: fmt.Errorf("compile: %w", err)}
	}
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithStartFunctions().
		WithStdout(os.Stderr).
		WithStderr(os.Stderr))
	if err != nil {
		_ = rt.Close(ctx)
		return nil, &domerrors.LoadError{Path: path, Err: fmt.Errorf("instantiate: %w", err)}
	}

	inst := &instance{runtime: rt, module: mod, config: cfg}
	for _, b := range []struct {
		fn   *api.Function
		name string
	}{
		{&inst.allocate, exportAllocate},
		{&inst.release, exportDeallocate},
		{&inst.call, exportCodecCall},
	} {
		*b.fn = mod.ExportedFunction(b.name)
		if *b.fn == nil {
			_ = rt.Close(ctx)
			return nil, &domerrors.LoadError{Path: path, Symbol: b.name, Err: domerrors.ErrNotFound}
		}
	}

	if init := mod.ExportedFunction(exportInitialize); init != nil {
		if _, err := init.Call(ctx); err != nil {
			_ = rt.Close(ctx)
			return nil, &domerrors.LoadError{Path: path, Symbol: exportInitialize, Err: err}
		}
	}
	return inst, nil
}

func registerHostModule(ctx context.Context, rt wazero.Runtime, cfg AdapterConfig) error {
	logger := cfg.logger.With(zap.String("component", "wasm_guest"))
	_, err := rt.NewHostModuleBuilder(cfg.ModuleName).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
			ptr, length := unpackPtrLen(stack[0])
			payload, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return
			}
			logGuestMessage(logger, payload)
		}), []api.ValueType{api.ValueTypeI64}, nil).
		Export("log_message").
		Instantiate(ctx)
	return err
}

func logGuestMessage(logger *zap.Logger, payload []byte) {
	var msg struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		logger.Info("guest log (raw)", zap.ByteString("payload", payload))
		return
	}
	switch msg.Level {
	case "debug":
		logger.Debug(msg.Message)
	case "warn":
		logger.Warn(msg.Message)
	case "error":
		logger.Error(msg.Message)
	default:
		logger.Info(msg.Message)
	}
}

// Call writes req into guest memory, runs codec_call and copies the response
// out. Both buffers are released before returning.
func (i *instance) Call(req []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), i.config.CallTimeout)
	defer cancel()

	res, err := i.allocate.Call(ctx, uint64(len(req)))
	if err != nil {
		return nil, fmt.Errorf("allocate in guest: %w", err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("allocate returned no results")
	}
	ptr := uint32(res[0]) //nolint:gosec // G115: WASM32 pointers are always 32-bit
	if !i.module.Memory().Write(ptr, req) {
		return nil, fmt.Errorf("write request to guest memory")
	}
	results, err := i.call.Call(ctx, uint64(ptr), uint64(len(req)))
	_, _ = i.release.Call(ctx, uint64(ptr), uint64(len(req)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", exportCodecCall, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%s returned no results", exportCodecCall)
	}

	respPtr, respLen := unpackPtrLen(results[0])
	if respPtr == 0 || respLen == 0 {
		return nil, fmt.Errorf("null response from guest")
	}
	if respLen > i.config.MaxResponseSize {
		return nil, fmt.Errorf("response size %d exceeds maximum %d bytes", respLen, i.config.MaxResponseSize)
	}
	data, ok := i.module.Memory().Read(respPtr, respLen)
	if !ok {
		return nil, fmt.Errorf("read response from guest memory")
	}
	out := make([]byte, len(data))
	copy(out, data)
	_, _ = i.release.Call(ctx, uint64(respPtr), uint64(respLen))
	return out, nil
}

// Close releases the runtime and all guest memory.
func (i *instance) Close() error {
	return i.runtime.Close(context.Background())
}

// frame lays out header and payload as [u32 LE len][header JSON][payload].
func frame(header any, payload []byte) ([]byte, error) {
	h, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4+len(h)+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(h))) //nolint:gosec // G115: header size is bounded by the caller
	copy(buf[4:], h)
	copy(buf[4+len(h):], payload)
	return buf, nil
}

// unframe decodes the header of b into v and returns the payload, which
// aliases b.
func unframe(b []byte, v any) ([]byte, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("frame of %d bytes has no header length", len(b))
	}
	n := binary.LittleEndian.Uint32(b)
	if uint64(n) > uint64(len(b)-4) {
		return nil, fmt.Errorf("header length %d exceeds frame of %d bytes", n, len(b))
	}
	if err := json.Unmarshal(b[4:4+n], v); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	return b[4+n:], nil
}

// packPtrLen packs a pointer and length into a single i64.
// Upper 32 bits: pointer, lower 32 bits: length.
func packPtrLen(ptr, length uint32) uint64 {
	return (uint64(ptr) << 32) | uint64(length)
}

// unpackPtrLen unpacks a pointer and length from a packed i64.
func unpackPtrLen(packed uint64) (ptr, length uint32) {
	ptr = uint32(packed >> 32)           //nolint:gosec // G115: Packed format stores 32-bit values
	length = uint32(packed & 0xFFFFFFFF) //nolint:gosec // G115: Packed format stores 32-bit values
	return ptr, length
}
