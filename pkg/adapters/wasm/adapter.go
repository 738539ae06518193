// Package wasm hosts Cloud Adapters compiled to WebAssembly.
//
// A plugin module exports its linear memory and these functions:
//
//	malloc(size i32) i32
//	free(ptr i32)
//	list_resources(ptr i32, len i32) i64
//	apply_action(ptr i32, len i32) i64
//	describe_resource(ptr i32, len i32) i64   (optional)
//
// Requests and responses are JSON documents in guest memory. The host
// allocates the request with malloc and frees it after the call; the guest
// returns its response as (ptr << 32) | len and the host frees it once read.
// Responses carry either a payload or an error:
//
//	{"resources": [...]}
//	{"result": {"status": "succeeded"}}
//	{"error": {"category": "rate_limited", "message": "throttled"}}
//
// The host module "env" exports log(level i32, ptr i32, len i32) so guests
// can write to the engine log.
package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

// Config contains configuration for the WASM host.
type Config struct {
	// Timeout bounds every guest call. Default 30s.
	Timeout time.Duration

	// MemoryLimitPages is the maximum guest memory in 64KiB pages.
	// Default is 256 pages (16MiB).
	MemoryLimitPages uint32
}

const (
	defaultTimeout          = 30 * time.Second
	defaultMemoryLimitPages = 256
)

// Adapter is a Cloud Adapter backed by a WASM plugin. Guest calls are
// serialized; a call that traps or exceeds its deadline discards the
// instance and the next call starts from a fresh one.
type Adapter struct {
	name    string
	timeout time.Duration
	logger  zerolog.Logger
	clock   engine.Clock

	runtime  wazero.Runtime
	compiled wazero.CompiledModule

	mu   sync.Mutex
	inst *instance
	gen  int
}

type instance struct {
	mod      api.Module
	memory   api.Memory
	malloc   api.Function
	free     api.Function
	list     api.Function
	apply    api.Function
	describe api.Function
}

type guestError struct {
	Category engine.ErrorCategory `json:"category"`
	Message  string               `json:"message"`
}

type listResponse struct {
	Resources []engine.ObservedResource `json:"resources"`
	Error     *guestError               `json:"error,omitempty"`
}

type applyResponse struct {
	Result engine.ActionResult `json:"result"`
	Error  *guestError         `json:"error,omitempty"`
}

type describeResponse struct {
	Resource *engine.ObservedResource `json:"resource"`
	Error    *guestError              `json:"error,omitempty"`
}

// New compiles a plugin module and instantiates it once to check its exports.
func New(ctx context.Context, provider string, wasm []byte, cfg Config, logger zerolog.Logger) (*Adapter, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = defaultMemoryLimitPages
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	a := &Adapter{
		name:    provider,
		timeout: cfg.Timeout,
		logger:  logger.With().Str("component", "wasm").Str("provider", provider).Logger(),
		clock:   engine.SystemClock,
		runtime: runtime,
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	if _, err := runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().WithFunc(a.hostLog).Export("log").
		Instantiate(ctx); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, wasm)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile WASM module: %w", err)
	}
	a.compiled = compiled

	if _, err := a.instance(ctx); err != nil {
		runtime.Close(ctx)
		return nil, err
	}
	return a, nil
}

// Open loads the plugin a manifest points at.
func Open(ctx context.Context, manifestPath string, logger zerolog.Logger) (*Adapter, error) {
	m, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	wasm, err := m.ReadModule()
	if err != nil {
		return nil, err
	}
	return New(ctx, m.Provider, wasm, m.Config(), logger)
}

// WithClock sets the clock used to stamp resources the guest left unstamped.
func (a *Adapter) WithClock(c engine.Clock) *Adapter {
	a.clock = c
	return a
}

// Name implements engine.CloudAdapter.
func (a *Adapter) Name() string {
	return a.name
}

// ListResources implements engine.CloudAdapter.
func (a *Adapter) ListResources(ctx context.Context, scope engine.Scope) ([]engine.ObservedResource, error) {
	var resp listResponse
	if err := a.call(ctx, "list_resources", func(in *instance) api.Function { return in.list }, scope, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, a.guestErr("list_resources", resp.Error)
	}

	now := a.clock.Now()
	out := make([]engine.ObservedResource, 0, len(resp.Resources))
	for _, r := range resp.Resources {
		if !scope.Contains(r.Identity) {
			return nil, a.adapterErr(engine.ErrorCategoryInvalid, "list_resources",
				fmt.Sprintf("plugin returned %s outside scope %s", r.Identity, scope), nil)
		}
		if r.ObservedAt.IsZero() {
			r.ObservedAt = now
		}
		r.Hash = ""
		r.EnsureHash()
		out = append(out, r)
	}
	return out, nil
}

// ApplyAction implements engine.CloudAdapter.
func (a *Adapter) ApplyAction(ctx context.Context, action engine.Action) (engine.ActionResult, error) {
	var resp applyResponse
	if err := a.call(ctx, "apply_action", func(in *instance) api.Function { return in.apply }, action, &resp); err != nil {
		return engine.ActionResult{Status: engine.ActionResultFailed, ErrorCategory: engine.ClassifyError(err)}, err
	}
	if resp.Error != nil {
		err := a.guestErr("apply_action", resp.Error)
		return engine.ActionResult{Status: engine.ActionResultFailed, ProviderMessage: resp.Error.Message, ErrorCategory: engine.ClassifyError(err)}, err
	}
	return resp.Result, nil
}

// DescribeResource implements engine.ResourceDescriber. Plugins without a
// describe_resource export are served by listing the resource's scope.
func (a *Adapter) DescribeResource(ctx context.Context, id engine.ResourceIdentity) (*engine.ObservedResource, error) {
	var resp describeResponse
	err := a.call(ctx, "describe_resource", func(in *instance) api.Function { return in.describe }, id, &resp)
	if errors.Is(err, errNoExport) {
		resources, err := a.ListResources(ctx, id.Scope())
		if err != nil {
			return nil, err
		}
		for i := range resources {
			if resources[i].Identity == id {
				return &resources[i], nil
			}
		}
		return nil, a.adapterErr(engine.ErrorCategoryNotFound, "describe_resource", fmt.Sprintf("resource %s not found", id), nil)
	}
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, a.guestErr("describe_resource", resp.Error)
	}
	if resp.Resource == nil {
		return nil, a.adapterErr(engine.ErrorCategoryNotFound, "describe_resource", fmt.Sprintf("resource %s not found", id), nil)
	}

	r := resp.Resource
	if r.ObservedAt.IsZero() {
		r.ObservedAt = a.clock.Now()
	}
	r.Hash = ""
	r.EnsureHash()
	return r, nil
}

// Close releases the instance, the compiled module and the runtime.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.inst = nil
	if err := a.runtime.Close(ctx); err != nil {
		return fmt.Errorf("failed to close WASM runtime: %w", err)
	}
	return nil
}

var errNoExport = errors.New("function not exported")

// call marshals req, runs the selected guest function and unmarshals the
// response into resp.
func (a *Adapter) call(ctx context.Context, op string, fn func(*instance) api.Function, req, resp any) error {
	input, err := json.Marshal(req)
	if err != nil {
		return a.adapterErr(engine.ErrorCategoryInvalid, op, "failed to marshal request", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	in, err := a.instance(ctx)
	if err != nil {
		return a.adapterErr(engine.ErrorCategoryUnknown, op, "plugin unavailable", err)
	}
	f := fn(in)
	if f == nil {
		return errNoExport
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	output, err := a.invoke(callCtx, in, f, input)
	if err != nil {
		a.discard(ctx)
		if callCtx.Err() != nil {
			return a.adapterErr(engine.ErrorCategoryTransient, op, "plugin call timed out", callCtx.Err())
		}
		return a.adapterErr(engine.ErrorCategoryUnknown, op, "plugin call failed", err)
	}

	if err := json.Unmarshal(output, resp); err != nil {
		return a.adapterErr(engine.ErrorCategoryInvalid, op, "failed to unmarshal response", err)
	}
	return nil
}

func (a *Adapter) invoke(ctx context.Context, in *instance, fn api.Function, input []byte) ([]byte, error) {
	var ptr uint32
	size := uint32(len(input))
	if size > 0 {
		results, err := in.malloc.Call(ctx, uint64(size))
		if err != nil {
			return nil, fmt.Errorf("malloc failed: %w", err)
		}
		if len(results) == 0 || uint32(results[0]) == 0 {
			return nil, fmt.Errorf("malloc returned null pointer")
		}
		ptr = uint32(results[0])
		defer in.free.Call(ctx, uint64(ptr))

		if !in.memory.Write(ptr, input) {
			return nil, fmt.Errorf("failed to write request to WASM memory")
		}
	}

	results, err := fn.Call(ctx, uint64(ptr), uint64(size))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("function returned no results")
	}

	outPtr := uint32(results[0] >> 32)
	outLen := uint32(results[0])
	if outLen == 0 {
		return []byte("{}"), nil
	}

	view, ok := in.memory.Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("response out of WASM memory range")
	}
	output := make([]byte, len(view))
	copy(output, view)

	if _, err := in.free.Call(ctx, uint64(outPtr)); err != nil {
		a.logger.Debug().Err(err).Msg("Failed to free response buffer")
	}
	return output, nil
}

// instance returns the live instance, creating one if needed. Callers hold mu
// or own the adapter exclusively.
func (a *Adapter) instance(ctx context.Context) (*instance, error) {
	if a.inst != nil {
		return a.inst, nil
	}

	a.gen++
	cfg := wazero.NewModuleConfig().WithName(fmt.Sprintf("%s-%d", a.name, a.gen))
	// Reactor modules, such as Go's wasip1 c-shared output, initialize
	// their runtime in _initialize instead of _start.
	if _, ok := a.compiled.ExportedFunctions()["_initialize"]; ok {
		cfg = cfg.WithStartFunctions("_initialize")
	}
	mod, err := a.runtime.InstantiateModule(ctx, a.compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate WASM module: %w", err)
	}

	in := &instance{
		mod:      mod,
		memory:   mod.Memory(),
		malloc:   mod.ExportedFunction("malloc"),
		free:     mod.ExportedFunction("free"),
		list:     mod.ExportedFunction("list_resources"),
		apply:    mod.ExportedFunction("apply_action"),
		describe: mod.ExportedFunction("describe_resource"),
	}

	var missing string
	switch {
	case in.memory == nil:
		missing = "memory"
	case in.malloc == nil:
		missing = "malloc"
	case in.free == nil:
		missing = "free"
	case in.list == nil:
		missing = "list_resources"
	case in.apply == nil:
		missing = "apply_action"
	}
	if missing != "" {
		mod.Close(ctx)
		return nil, fmt.Errorf("WASM module does not export %s", missing)
	}

	a.inst = in
	return in, nil
}

func (a *Adapter) discard(ctx context.Context) {
	if a.inst == nil {
		return
	}
	if err := a.inst.mod.Close(context.WithoutCancel(ctx)); err != nil {
		a.logger.Debug().Err(err).Msg("Failed to close WASM instance")
	}
	a.inst = nil
}

func (a *Adapter) hostLog(_ context.Context, mod api.Module, level, ptr, size uint32) {
	msg, ok := mod.Memory().Read(ptr, size)
	if !ok {
		a.logger.Warn().Uint32("ptr", ptr).Uint32("len", size).Msg("Guest log message out of range")
		return
	}
	var e *zerolog.Event
	switch level {
	case 0:
		e = a.logger.Debug()
	case 1:
		e = a.logger.Info()
	case 2:
		e = a.logger.Warn()
	default:
		e = a.logger.Error()
	}
	e.Msg(string(msg))
}

func (a *Adapter) guestErr(op string, ge *guestError) error {
	category := ge.Category
	switch category {
	case engine.ErrorCategoryRateLimited, engine.ErrorCategoryTransient, engine.ErrorCategoryPermissionDenied,
		engine.ErrorCategoryNotFound, engine.ErrorCategoryInvalid:
	default:
		category = engine.ErrorCategoryUnknown
	}
	return a.adapterErr(category, op, ge.Message, nil)
}

func (a *Adapter) adapterErr(category engine.ErrorCategory, op, msg string, err error) error {
	return engine.NewAdapterError(category, msg, err).WithProvider(a.name).WithOperation(op)
}
