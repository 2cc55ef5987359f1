// Package presence announces this voice node on the bus and tracks the
// other nodes that share it.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const MeterName = "github.com/loqalabs/loqa-voice/internal/presence"

type NodeInfo struct {
	ID             string                `json:"id"`
	Role           string                `json:"role"`
	Capabilities   []protocol.Capability `json:"capabilities"`
	ActiveSessions int                   `json:"active_sessions"`
	LastSeen       time.Time             `json:"last_seen"`
	Healthy        bool                  `json:"healthy"`
}

// Options describe the local node.
type Options struct {
	Node         config.NodeConfig
	Prefix       string
	Capabilities []protocol.Capability
	// Sessions reports the live session count for heartbeats.
	Sessions func() int
}

type Registry struct {
	opts    Options
	log     *slog.Logger
	bus     *bus.Client
	timeout time.Duration

	mu    sync.RWMutex
	nodes map[string]*NodeInfo

	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
	reg    metric.Registration
}

func New(ctx context.Context, busClient *bus.Client, opts Options, log *slog.Logger) (*Registry, error) {
	if opts.Sessions == nil {
		opts.Sessions = func() int { return 0 }
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		opts:    opts,
		log:     log.With(slog.String("component", "presence")),
		bus:     busClient,
		timeout: time.Duration(opts.Node.HeartbeatTimeout) * time.Millisecond,
		nodes:   make(map[string]*NodeInfo),
		cancel:  cancel,
	}

	if err := r.initMetrics(otel.Meter(MeterName)); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slogError(err))
	}

	r.wg.Add(1)
	go r.runHeartbeat(ctx, time.Duration(opts.Node.HeartbeatInterval)*time.Millisecond)
	return r, nil
}

// Close stops heartbeats and drops the subscriptions. Safe to call twice.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if r.reg != nil {
		_ = r.reg.Unregister()
		r.reg = nil
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.AnnounceSubject(r.opts.Prefix), r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	heartbeatSub, err := conn.Subscribe(protocol.HeartbeatWildcard(r.opts.Prefix), r.handleHeartbeat)
	if err != nil {
		_ = announceSub.Unsubscribe()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.mu.Lock()
	r.subs = append(r.subs, announceSub, heartbeatSub)
	r.mu.Unlock()
	return conn.Flush()
}

func (r *Registry) runHeartbeat(ctx context.Context, every time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slogError(err))
			}
		}
	}
}

func (r *Registry) announce() error {
	msg := protocol.NodeAnnounce{
		NodeID:       r.opts.Node.ID,
		Role:         r.opts.Node.Role,
		Capabilities: r.opts.Capabilities,
		Timestamp:    time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, r.opts.Sessions(), msg.Timestamp)
	return r.bus.Publish(protocol.AnnounceSubject(r.opts.Prefix), payload)
}

func (r *Registry) publishHeartbeat() error {
	msg := protocol.NodeHeartbeat{
		NodeID:         r.opts.Node.ID,
		ActiveSessions: r.opts.Sessions(),
		Timestamp:      time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Publish(protocol.HeartbeatSubject(r.opts.Prefix, r.opts.Node.ID), payload)
}

// handleAnnounce records a peer. A peer we had never heard of gets our own
// announcement back so that it learns about us too.
func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.NodeAnnounce
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slogError(err))
		return
	}
	if announcement.NodeID == "" || announcement.NodeID == r.opts.Node.ID {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.mu.RLock()
	_, known := r.nodes[announcement.NodeID]
	r.mu.RUnlock()
	r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, -1, announcement.Timestamp)
	if !known {
		r.log.Info("node joined", slog.String("node_id", announcement.NodeID), slog.String("role", announcement.Role))
		if err := r.announce(); err != nil {
			r.log.Warn("failed to answer announce", slogError(err))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.NodeHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slogError(err))
		return
	}
	if hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateNode(hb.NodeID, "", nil, hb.ActiveSessions, hb.Timestamp)
}

// updateNode merges what a message says about a node. A negative session
// count leaves the previous one in place.
func (r *Registry) updateNode(nodeID, role string, capabilities []protocol.Capability, sessions int, seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = slices.Clone(capabilities)
	}
	if sessions >= 0 {
		node.ActiveSessions = sessions
	}
	if seen.After(node.LastSeen) {
		node.LastSeen = seen
	}
}

func (r *Registry) healthyAt(node *NodeInfo, now time.Time) bool {
	return now.Sub(node.LastSeen) <= r.timeout
}

// Healthy reports whether our own heartbeats keep arriving through the bus.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.opts.Node.ID]
	return ok && r.healthyAt(node, time.Now())
}

// Query returns a snapshot of the known nodes ordered by ID.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	var results []NodeInfo
	for _, id := range slices.Sorted(maps.Keys(r.nodes)) {
		node := *r.nodes[id]
		node.Capabilities = slices.Clone(node.Capabilities)
		node.Healthy = r.healthyAt(r.nodes[id], now)
		if filter == nil || filter(node) {
			results = append(results, node)
		}
	}
	return results
}

func (r *Registry) initMetrics(meter metric.Meter) error {
	nodes, err := meter.Int64ObservableGauge("loqa_voice_nodes", metric.WithDescription("Healthy voice nodes on the bus"))
	if err != nil {
		return err
	}
	sessions, err := meter.Int64ObservableGauge("loqa_voice_cluster_sessions", metric.WithDescription("Sessions across healthy voice nodes"))
	if err != nil {
		return err
	}
	r.reg, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var healthy, total int64
		for _, node := range r.Query(func(n NodeInfo) bool { return n.Healthy }) {
			healthy++
			total += int64(node.ActiveSessions)
		}
		obs.ObserveInt64(nodes, healthy)
		obs.ObserveInt64(sessions, total)
		return nil
	}, nodes, sessions)
	return err
}

// WithCapability matches nodes advertising name, and provider when it is
// not empty.
func WithCapability(name, provider string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name && (provider == "" || c.Provider == provider) {
				return true
			}
		}
		return false
	}
}

func WithRole(role string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		return node.Role == role
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
