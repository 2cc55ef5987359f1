package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/skills/manifest"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// MaxOutputBytes bounds what a skill may write to stdout or stderr.
const MaxOutputBytes = 64 << 10

// Runtime wraps a wazero runtime for executing skill modules. One runtime
// serves every skill; each invocation gets a fresh module instance.
type Runtime struct {
	rt  wazero.Runtime
	log *slog.Logger
}

// New creates a new skill runtime using wazero. Invocations are aborted
// when their context ends.
func New(ctx context.Context, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	r := &Runtime{rt: rt, log: logger}
	if err := r.instantiateHostModule(ctx); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	return r, nil
}

// Close releases resources held by the runtime.
func (r *Runtime) Close(ctx context.Context) error {
	if r == nil || r.rt == nil {
		return nil
	}
	return r.rt.Close(ctx)
}

// Skill represents a compiled skill module.
type Skill struct {
	Manifest manifest.Manifest
	rt       *Runtime
	compiled wazero.CompiledModule
	command  bool
	reactor  bool
}

// Close releases resources for the skill.
func (s *Skill) Close(ctx context.Context) error {
	if s == nil || s.compiled == nil {
		return nil
	}
	return s.compiled.Close(ctx)
}

// Load compiles a skill from a manifest. modulePath overrides the
// manifest's relative module path.
func (r *Runtime) Load(ctx context.Context, m manifest.Manifest, modulePath string) (*Skill, error) {
	if r == nil || r.rt == nil {
		return nil, fmt.Errorf("runtime not initialized")
	}
	if m.Runtime.Mode != "wasm" {
		return nil, fmt.Errorf("unsupported runtime mode %q", m.Runtime.Mode)
	}
	if modulePath == "" {
		modulePath = m.Runtime.Module
	}
	wasmBytes, err := os.ReadFile(modulePath)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	compiled, err := r.rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}
	entry := m.Runtime.Entrypoint
	if entry == "" {
		entry = manifest.DefaultEntrypoint
	}
	exports := compiled.ExportedFunctions()
	if _, ok := exports[entry]; !ok {
		compiled.Close(ctx)
		return nil, fmt.Errorf("entrypoint %q not found", entry)
	}
	m.Runtime.Entrypoint = entry
	_, reactor := exports["_initialize"]
	return &Skill{
		Manifest: m,
		rt:       r,
		compiled: compiled,
		command:  entry == manifest.DefaultEntrypoint,
		reactor:  reactor,
	}, nil
}

// Invocation is one call into a skill.
type Invocation struct {
	Input []byte
	Env   map[string]string
	Host  HostBindings
}

// Invoke runs the skill once with input on stdin and returns its stdout.
// A WASI exit with code zero is success.
func (s *Skill) Invoke(ctx context.Context, inv Invocation) ([]byte, error) {
	if s == nil || s.compiled == nil {
		return nil, fmt.Errorf("skill entrypoint not available")
	}
	stdout := &limitedBuffer{max: MaxOutputBytes}
	stderr := &limitedBuffer{max: MaxOutputBytes}
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(s.Manifest.Metadata.Name).
		WithStdin(bytes.NewReader(inv.Input)).
		WithStdout(stdout).
		WithStderr(stderr).
		WithSysWalltime().
		WithSysNanotime()
	for k, v := range inv.Env {
		cfg = cfg.WithEnv(k, v)
	}
	switch {
	case s.command:
		cfg = cfg.WithStartFunctions(manifest.DefaultEntrypoint)
	case s.reactor:
		cfg = cfg.WithStartFunctions("_initialize")
	default:
		cfg = cfg.WithStartFunctions()
	}

	ctx = withHost(ctx, inv.Host)
	mod, err := s.rt.rt.InstantiateModule(ctx, s.compiled, cfg)
	if mod != nil {
		defer mod.Close(ctx)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("skill aborted: %w", ctx.Err())
		}
		if err := exitError(err, stderr); err != nil {
			return nil, err
		}
	}

	if !s.command && mod != nil {
		fn := mod.ExportedFunction(s.Manifest.Runtime.Entrypoint)
		if fn == nil {
			return nil, fmt.Errorf("entrypoint %q not found", s.Manifest.Runtime.Entrypoint)
		}
		if _, err := fn.Call(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("skill aborted: %w", ctx.Err())
			}
			if err := exitError(err, stderr); err != nil {
				return nil, err
			}
		}
	}
	if stdout.truncated {
		return nil, fmt.Errorf("skill output exceeds %d bytes", MaxOutputBytes)
	}
	return stdout.Bytes(), nil
}

func exitError(err error, stderr *limitedBuffer) error {
	var exit *sys.ExitError
	if errors.As(err, &exit) {
		if exit.ExitCode() == 0 {
			return nil
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("skill exited with code %d: %s", exit.ExitCode(), msg)
		}
		return fmt.Errorf("skill exited with code %d", exit.ExitCode())
	}
	return err
}

func (r *Runtime) instantiateHostModule(ctx context.Context) error {
	builder := r.rt.NewHostModuleBuilder("env")
	hostLogFn := api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
		if len(stack) < 2 {
			return
		}
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length == 0 {
			return
		}
		host := hostFrom(ctx)
		logger := host.Logger
		if logger == nil {
			logger = r.log
		}
		if !host.AllowLog {
			logger.Warn("skill log blocked", slog.String("reason", "missing permission "+manifest.PermissionLog))
			return
		}
		mem := mod.Memory()
		if mem == nil {
			logger.Warn("host_log: module has no memory", slog.Int("ptr", int(ptr)), slog.Int("len", int(length)))
			return
		}
		data, ok := mem.Read(ptr, length)
		if !ok {
			logger.Warn("host_log: unable to read memory", slog.Int("ptr", int(ptr)), slog.Int("len", int(length)))
			return
		}
		msg := string(data)
		logger.Info("skill log", slog.String("message", msg))
		if host.RecordAudit != nil {
			host.RecordAudit(AuditEvent{Type: "skill.log", Data: map[string]any{"message": msg}})
		}
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostLogFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		Export("host_log")

	_, err := builder.Instantiate(ctx)
	return err
}

// HostBindings are the per-invocation hooks host functions call into.
type HostBindings struct {
	Logger      *slog.Logger
	AllowLog    bool
	RecordAudit func(event AuditEvent)
}

type AuditEvent struct {
	Type string
	Data map[string]any
}

type hostKey struct{}

func withHost(ctx context.Context, h HostBindings) context.Context {
	return context.WithValue(ctx, hostKey{}, h)
}

func hostFrom(ctx context.Context) HostBindings {
	h, _ := ctx.Value(hostKey{}).(HostBindings)
	return h
}

type limitedBuffer struct {
	bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.Len(); len(p) > room {
		b.truncated = true
		if room > 0 {
			b.Buffer.Write(p[:room])
		}
		return len(p), nil
	}
	return b.Buffer.Write(p)
}
