package engine

import (
	"context"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/zap"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/errors"
)

// WazeroEngine compiles and instantiates guest modules with wazero.
type WazeroEngine struct {
	runtime      wazero.Runtime
	exports      Exports
	wasiInitMu   sync.Mutex
	wasiInitDone atomic.Bool
	noWASI       bool
}

// Config holds configuration for engine creation
type Config struct {
	// Exports overrides the guest export names. Zero value means DefaultExports.
	Exports *Exports `validate:"-"`

	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	// 256 = 16MB, 1024 = 64MB, 4096 = 256MB
	MemoryLimitPages uint32 `validate:"lte=65536"`

	// EnableThreads enables the WebAssembly threads proposal (experimental).
	EnableThreads bool

	// DisableWASI skips instantiating wasi_snapshot_preview1 before guests.
	DisableWASI bool
}

// NewWazeroEngine creates a new engine. A nil cfg uses defaults.
func NewWazeroEngine(ctx context.Context, cfg *Config) (*WazeroEngine, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, errors.Config(err)
	}
	exports := DefaultExports()
	if cfg.Exports != nil {
		exports = *cfg.Exports
	}
	if err := exports.Validate(); err != nil {
		return nil, err
	}

	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	if cfg.EnableThreads {
		runtimeCfg = runtimeCfg.WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesThreads)
	}

	return &WazeroEngine{
		runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		exports: exports,
		noWASI:  cfg.DisableWASI,
	}, nil
}

func (e *WazeroEngine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// InitWASI instantiates the WASI singleton for this engine's runtime.
// Safe for concurrent calls from multiple modules sharing the same engine.
func (e *WazeroEngine) InitWASI(ctx context.Context) error {
	if e.wasiInitDone.Load() {
		return nil
	}

	e.wasiInitMu.Lock()
	defer e.wasiInitMu.Unlock()

	if e.wasiInitDone.Load() {
		return nil
	}

	if e.runtime.Module(wasiModuleName) != nil {
		e.wasiInitDone.Store(true)
		return nil
	}

	if _, err := InstantiateWASI(ctx, e.runtime); err != nil {
		if e.runtime.Module(wasiModuleName) == nil {
			return errors.Instantiation(err)
		}
	}

	e.wasiInitDone.Store(true)
	return nil
}

type moduleConfig struct {
	stdout  io.Writer
	stderr  io.Writer
	exports *Exports
	name    string
}

// ModuleOption configures LoadModule.
type ModuleOption func(*moduleConfig)

// WithModuleName names the instance. The default is anonymous, which allows
// loading the same binary more than once.
func WithModuleName(name string) ModuleOption {
	return func(c *moduleConfig) {
		c.name = name
	}
}

// WithStdout routes the guest's WASI stdout.
func WithStdout(w io.Writer) ModuleOption {
	return func(c *moduleConfig) {
		c.stdout = w
	}
}

// WithStderr routes the guest's WASI stderr.
func WithStderr(w io.Writer) ModuleOption {
	return func(c *moduleConfig) {
		c.stderr = w
	}
}

// WithExports overrides the engine's export names for one module.
func WithExports(x Exports) ModuleOption {
	return func(c *moduleConfig) {
		c.exports = &x
	}
}

// LoadModule compiles and instantiates wasmBytes and binds its protocol
// exports. A module lacking any required export fails with a
// MissingExportsError naming all of them. If the module exports the
// initializer it is called once before LoadModule returns.
func (e *WazeroEngine) LoadModule(ctx context.Context, wasmBytes []byte, opts ...ModuleOption) (*WazeroModule, error) {
	cfg := moduleConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	exports := e.exports
	if cfg.exports != nil {
		if err := cfg.exports.Validate(); err != nil {
			return nil, err
		}
		exports = *cfg.exports
	}

	if !e.noWASI {
		if err := e.InitWASI(ctx); err != nil {
			return nil, err
		}
	}

	compiled, err := e.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, errors.Load("compile module", err)
	}

	modConfig := wazero.NewModuleConfig().
		WithName(cfg.name).
		WithStartFunctions()
	if cfg.stdout != nil {
		modConfig = modConfig.WithStdout(cfg.stdout)
	}
	if cfg.stderr != nil {
		modConfig = modConfig.WithStderr(cfg.stderr)
	}

	instance, err := e.runtime.InstantiateModule(ctx, compiled, modConfig)
	if err != nil {
		_ = compiled.Close(ctx)
		return nil, errors.Instantiation(err)
	}

	m, err := bindModule(ctx, instance, compiled, exports)
	if err != nil {
		_ = instance.Close(ctx)
		_ = compiled.Close(ctx)
		return nil, err
	}
	Logger().Debug("module loaded", zap.String("name", cfg.name), zap.Bool("ptr64", m.ptr64))
	return m, nil
}

// bindModule resolves exports on an instantiated module.
func bindModule(ctx context.Context, instance api.Module, compiled wazero.CompiledModule, x Exports) (*WazeroModule, error) {
	defs := instance.ExportedFunctionDefinitions()

	allocName := firstPresent(defs, x.Alloc, legacyAlloc)
	freeName := firstPresent(defs, x.Free, legacyDealloc)

	var missing []string
	names := x.functions()
	names[0], names[1] = allocName, freeName
	for _, name := range names {
		if _, ok := defs[name]; !ok {
			missing = append(missing, name)
		}
	}
	mem := instance.ExportedMemory(x.Memory)
	if mem == nil {
		missing = append(missing, x.Memory)
	}
	if len(missing) > 0 {
		return nil, errors.NewMissingExportsError(instance.Name(), missing)
	}

	var ptr64 bool
	if results := defs[allocName].ResultTypes(); len(results) == 1 && results[0] == api.ValueTypeI64 {
		ptr64 = true
	}

	fns := exportSet{
		alloc:          instance.ExportedFunction(allocName),
		free:           instance.ExportedFunction(freeName),
		newEngine:      instance.ExportedFunction(x.NewEngine),
		deleteEngine:   instance.ExportedFunction(x.DeleteEngine),
		newSession:     instance.ExportedFunction(x.NewSession),
		closeSession:   instance.ExportedFunction(x.CloseSession),
		handleRequest:  instance.ExportedFunction(x.HandleRequest),
		poll:           instance.ExportedFunction(x.Poll),
		addressingMode: instance.ExportedFunction(x.AddressingMode),
	}

	m := newModule(&WazeroMemory{mem: mem}, fns, ptr64)
	m.instance = instance
	m.compiled = compiled

	if x.Initialize != "" {
		if initFn := instance.ExportedFunction(x.Initialize); initFn != nil {
			if _, err := initFn.Call(ctx); err != nil {
				return nil, errors.Wrap(errors.PhaseLoad, errors.KindCall, err, "call "+x.Initialize)
			}
		}
	}
	return m, nil
}

func firstPresent(defs map[string]api.FunctionDefinition, names ...string) string {
	for _, n := range names {
		if _, ok := defs[n]; ok {
			return n
		}
	}
	return names[0]
}

// function is the subset of api.Function used for guest calls.
type function interface {
	CallWithStack(ctx context.Context, stack []uint64) error
}

type exportSet struct {
	alloc          function
	free           function
	newEngine      function
	deleteEngine   function
	newSession     function
	closeSession   function
	handleRequest  function
	poll           function
	addressingMode function
}

// WazeroModule is an instantiated guest bound to the protocol exports.
// It implements wasmbridge.Guest. Calls are serialized internally.
type WazeroModule struct {
	instance api.Module
	compiled wazero.CompiledModule
	memory   *WazeroMemory
	fns      exportSet
	stackBuf []uint64
	mu       sync.Mutex
	ptr64    bool
}

func newModule(mem *WazeroMemory, fns exportSet, ptr64 bool) *WazeroModule {
	return &WazeroModule{
		memory:   mem,
		fns:      fns,
		stackBuf: make([]uint64, 4),
		ptr64:    ptr64,
	}
}

// call runs fn with params and returns its first result, if any.
func (m *WazeroModule) call(ctx context.Context, op string, fn function, wantResult bool, params ...uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stackBuf == nil {
		return 0, errors.Closed("module")
	}
	stack := m.stackBuf[:max(len(params), 1)]
	copy(stack, params)
	if err := fn.CallWithStack(ctx, stack); err != nil {
		return 0, errors.Call(op, err)
	}
	if !wantResult {
		return 0, nil
	}
	return stack[0], nil
}

// ptr narrows a raw result to the module's pointer width.
func (m *WazeroModule) ptr(v uint64) uint64 {
	if m.ptr64 {
		return v
	}
	return uint64(uint32(v))
}

func (m *WazeroModule) Memory() wasmbridge.Memory {
	return m.memory
}

func (m *WazeroModule) Alloc(ctx context.Context, size uint64) (uint64, error) {
	if !m.ptr64 && size > math.MaxUint32 {
		return 0, errors.Limit(errors.PhaseAlloc, "allocation size", size, math.MaxUint32)
	}
	v, err := m.call(ctx, "alloc", m.fns.alloc, true, size)
	if err != nil {
		return 0, err
	}
	return m.ptr(v), nil
}

func (m *WazeroModule) Free(ctx context.Context, ptr uint64) error {
	if ptr == 0 {
		return nil
	}
	if _, err := m.call(ctx, "free", m.fns.free, false, ptr); err != nil {
		Logger().Warn("guest free failed",
			zap.Uint64("ptr", ptr),
			zap.Error(err))
		return err
	}
	return nil
}

func (m *WazeroModule) Wide(ctx context.Context) (bool, error) {
	v, err := m.call(ctx, "addressing_mode", m.fns.addressingMode, true)
	if err != nil {
		return false, err
	}
	return uint32(v) != 0, nil
}

func (m *WazeroModule) NewEngine(ctx context.Context) (uint64, error) {
	v, err := m.call(ctx, "new_engine", m.fns.newEngine, true)
	if err != nil {
		return 0, err
	}
	handle := m.ptr(v)
	if handle == 0 {
		return 0, errors.Call("new_engine", errors.InvalidData(errors.PhaseEngine, "null engine handle"))
	}
	return handle, nil
}

func (m *WazeroModule) DeleteEngine(ctx context.Context, engine uint64) error {
	_, err := m.call(ctx, "delete_engine", m.fns.deleteEngine, false, engine)
	return err
}

func (m *WazeroModule) NewSession(ctx context.Context, engine uint64) (uint32, error) {
	v, err := m.call(ctx, "new_session", m.fns.newSession, true, engine)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func (m *WazeroModule) CloseSession(ctx context.Context, engine uint64, clientID uint32) error {
	_, err := m.call(ctx, "close_session", m.fns.closeSession, false, engine, uint64(clientID))
	return err
}

func (m *WazeroModule) HandleRequest(ctx context.Context, engine uint64, clientID uint32, ptr uint64, length uint32) (uint64, error) {
	v, err := m.call(ctx, "handle_request", m.fns.handleRequest, true, engine, uint64(clientID), ptr, uint64(length))
	if err != nil {
		return 0, err
	}
	return m.ptr(v), nil
}

func (m *WazeroModule) Poll(ctx context.Context, engine uint64) (uint64, error) {
	v, err := m.call(ctx, "poll", m.fns.poll, true, engine)
	if err != nil {
		return 0, err
	}
	return m.ptr(v), nil
}

// Close closes the instance and its compiled module. Further calls fail.
func (m *WazeroModule) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	if m.instance != nil {
		if err := m.instance.Close(ctx); err != nil {
			firstErr = err
		}
		m.instance = nil
	}
	if m.compiled != nil {
		if err := m.compiled.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		m.compiled = nil
	}
	m.fns = exportSet{}
	m.stackBuf = nil
	return firstErr
}

// linearMemory is the subset of api.Memory used by WazeroMemory.
type linearMemory interface {
	Size() uint32
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
	ReadUint32Le(offset uint32) (uint32, bool)
	ReadUint64Le(offset uint32) (uint64, bool)
}

// WazeroMemory adapts a 32-bit wazero memory to wasmbridge.Memory.
// Offsets above 4GiB are always out of bounds.
type WazeroMemory struct {
	mem linearMemory
}

func (m *WazeroMemory) offset(offset, length uint64) (uint32, error) {
	if offset > math.MaxUint32 {
		return 0, errors.OutOfBounds(errors.PhaseDecode, offset, length, m.Size())
	}
	return uint32(offset), nil
}

func (m *WazeroMemory) Read(offset uint64, length uint32) ([]byte, error) {
	off, err := m.offset(offset, uint64(length))
	if err != nil {
		return nil, err
	}
	data, ok := m.mem.Read(off, length)
	if !ok {
		return nil, errors.OutOfBounds(errors.PhaseDecode, offset, uint64(length), m.Size())
	}
	return data, nil
}

func (m *WazeroMemory) Write(offset uint64, data []byte) error {
	off, err := m.offset(offset, uint64(len(data)))
	if err != nil {
		return err
	}
	if !m.mem.Write(off, data) {
		return errors.OutOfBounds(errors.PhaseEncode, offset, uint64(len(data)), m.Size())
	}
	return nil
}

func (m *WazeroMemory) ReadU32(offset uint64) (uint32, error) {
	off, err := m.offset(offset, 4)
	if err != nil {
		return 0, err
	}
	val, ok := m.mem.ReadUint32Le(off)
	if !ok {
		return 0, errors.OutOfBounds(errors.PhaseDecode, offset, 4, m.Size())
	}
	return val, nil
}

func (m *WazeroMemory) ReadU64(offset uint64) (uint64, error) {
	off, err := m.offset(offset, 8)
	if err != nil {
		return 0, err
	}
	val, ok := m.mem.ReadUint64Le(off)
	if !ok {
		return 0, errors.OutOfBounds(errors.PhaseDecode, offset, 8, m.Size())
	}
	return val, nil
}

func (m *WazeroMemory) Size() uint64 {
	if m.mem == nil {
		return 0
	}
	return uint64(m.mem.Size())
}

var (
	_ wasmbridge.Memory      = (*WazeroMemory)(nil)
	_ wasmbridge.MemorySizer = (*WazeroMemory)(nil)
	_ wasmbridge.Guest       = (*WazeroModule)(nil)
	_ linearMemory           = api.Memory(nil)
	_ function               = api.Function(nil)
)
