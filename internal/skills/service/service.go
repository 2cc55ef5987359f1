package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	manifestpkg "github.com/loqalabs/loqa-voice/internal/skills/manifest"
	skillrt "github.com/loqalabs/loqa-voice/internal/skills/runtime"
	"github.com/loqalabs/loqa-voice/internal/tools"
)

var manifestNames = map[string]bool{"skill.yaml": true, "skill.yml": true, "skill.toml": true}

// Service loads WASM skills and exposes each one as an agent tool.
type Service struct {
	cfg     config.SkillsConfig
	log     *slog.Logger
	rt      *skillrt.Runtime
	store   *eventstore.Store
	timeout time.Duration
	sema    chan struct{}
	wg      sync.WaitGroup

	mu     sync.RWMutex
	skills map[string]*binding
	closed bool
}

type binding struct {
	manifest     manifestpkg.Manifest
	manifestPath string
	skill        *skillrt.Skill
}

// New creates the skills service. When cfg.Enabled is false, nil is returned.
func New(ctx context.Context, cfg config.SkillsConfig, store *eventstore.Store, logger *slog.Logger) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	log := logger.With(slog.String("component", "skills.service"))
	rt, err := skillrt.New(ctx, log)
	if err != nil {
		return nil, fmt.Errorf("init skill runtime: %w", err)
	}
	svc := &Service{
		cfg:     cfg,
		log:     log,
		rt:      rt,
		store:   store,
		timeout: timeout,
		sema:    make(chan struct{}, cfg.Concurrency),
		skills:  make(map[string]*binding),
	}
	if err := svc.loadSkills(ctx); err != nil {
		_ = svc.Close(ctx)
		return nil, err
	}
	return svc, nil
}

// Close waits for in-flight invocations and releases every module.
func (s *Service) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, b := range s.skills {
		if err := b.skill.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.skills = map[string]*binding{}
	if err := s.rt.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Healthy reports whether the service is accepting invocations.
func (s *Service) Healthy() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// Tools returns one tool per loaded skill, ordered by tool name.
func (s *Service) Tools() []tools.Tool {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tools.Tool, 0, len(s.skills))
	for _, b := range s.skills {
		out = append(out, &skillTool{svc: s, b: b})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Register adds every skill tool to reg.
func (s *Service) Register(reg *tools.Registry) error {
	for _, t := range s.Tools() {
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("register skill tool: %w", err)
		}
		s.log.Info("skill tool registered", slog.String("tool", t.Name()))
	}
	return nil
}

func (s *Service) loadSkills(ctx context.Context) error {
	root := s.cfg.Directory
	if root == "" {
		return errors.New("skills directory not configured")
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if manifestNames[strings.ToLower(d.Name())] {
			if err := s.addSkill(ctx, path); err != nil {
				s.log.Error("failed to load skill", slog.String("path", path), slog.String("error", err.Error()))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(s.skills) == 0 {
		s.log.Warn("no skills discovered", slog.String("directory", root))
	} else {
		s.log.Info("skills discovered", slog.Int("count", len(s.skills)))
	}
	return nil
}

func (s *Service) addSkill(ctx context.Context, manifestPath string) error {
	mf, err := manifestpkg.Load(manifestPath)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	if err := manifestpkg.Validate(mf); err != nil {
		return fmt.Errorf("validate manifest: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.skills[mf.Tool.Name]; exists {
		return fmt.Errorf("duplicate skill tool %s", mf.Tool.Name)
	}

	modulePath := mf.Runtime.Module
	if !filepath.IsAbs(modulePath) {
		modulePath = filepath.Join(filepath.Dir(manifestPath), modulePath)
	}
	skill, err := s.rt.Load(ctx, mf, modulePath)
	if err != nil {
		return err
	}
	s.skills[mf.Tool.Name] = &binding{
		manifest:     mf,
		manifestPath: manifestPath,
		skill:        skill,
	}
	return nil
}

func (s *Service) begin() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Service) invoke(ctx context.Context, b *binding, args string) (string, error) {
	if !s.begin() {
		return "", errors.New("skills service is closed")
	}
	defer s.wg.Done()

	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	if !json.Valid([]byte(args)) {
		return "", fmt.Errorf("skill %s: arguments are not valid JSON", b.manifest.Metadata.Name)
	}

	select {
	case s.sema <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-s.sema }()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	invocationID := uuid.NewString()
	name := b.manifest.Metadata.Name
	hostLogger := s.log.With(
		slog.String("skill", name),
		slog.String("invocation_id", invocationID),
	)
	inv := skillrt.Invocation{
		Input: []byte(args),
		Env: map[string]string{
			"LOQA_SKILL_NAME":    name,
			"LOQA_TOOL_NAME":     b.manifest.Tool.Name,
			"LOQA_TOOL_ARGS":     args,
			"LOQA_INVOCATION_ID": invocationID,
		},
		Host: skillrt.HostBindings{
			Logger:   hostLogger,
			AllowLog: b.manifest.Allows(manifestpkg.PermissionLog),
			RecordAudit: func(event skillrt.AuditEvent) {
				s.appendAudit(b, invocationID, event)
			},
		},
	}

	start := time.Now()
	s.appendAudit(b, invocationID, skillrt.AuditEvent{Type: "skill.invoke.start", Data: map[string]any{
		"tool":       b.manifest.Tool.Name,
		"args_bytes": len(args),
	}})

	out, err := b.skill.Invoke(ctx, inv)
	if err != nil {
		s.appendAudit(b, invocationID, skillrt.AuditEvent{Type: "skill.invoke.error", Data: map[string]any{
			"error": err.Error(),
		}})
		hostLogger.Warn("skill invocation failed", slog.String("error", err.Error()))
		return "", fmt.Errorf("skill %s: %w", name, err)
	}

	s.appendAudit(b, invocationID, skillrt.AuditEvent{Type: "skill.invoke.complete", Data: map[string]any{
		"duration_ms":  time.Since(start).Milliseconds(),
		"result_bytes": len(out),
	}})
	return strings.TrimSpace(string(out)), nil
}

func (s *Service) appendAudit(b *binding, invocationID string, event skillrt.AuditEvent) {
	if !s.store.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload := map[string]any{
		"invocation_id": invocationID,
		"skill":         b.manifest.Metadata.Name,
	}
	for k, v := range event.Data {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to marshal audit event", slog.String("error", err.Error()))
		return
	}
	rec := eventstore.Audit{
		Skill:        b.manifest.Metadata.Name,
		InvocationID: invocationID,
		Type:         event.Type,
		Payload:      data,
		Privacy:      s.cfg.AuditPrivacy,
	}
	if err := s.store.AppendAudit(ctx, rec); err != nil {
		s.log.Warn("failed to append audit event", slog.String("error", err.Error()))
	}
}

// skillTool adapts one skill to the agent's tool contract.
type skillTool struct {
	svc *Service
	b   *binding
}

func (t *skillTool) Name() string { return t.b.manifest.Tool.Name }

func (t *skillTool) Description() string { return t.b.manifest.Tool.Description }

func (t *skillTool) InputSchema() map[string]any { return t.b.manifest.Tool.Parameters }

func (t *skillTool) Execute(ctx context.Context, args string) (string, error) {
	return t.svc.invoke(ctx, t.b, args)
}
