// Package capability tracks which narrator nodes are alive on the bus and
// what each of them can do, such as answering tts requests.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	TTS   = "tts"
	Batch = "batch"
)

type Capability = protocol.NodeCapability

type NodeInfo struct {
	ID           string       `json:"id"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type Options struct {
	NodeID            string
	Capabilities      []Capability
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

type Registry struct {
	opts   Options
	log    *slog.Logger
	bus    *bus.Client
	now    func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	nodes map[string]*NodeInfo
	subs  []*nats.Subscription
}

func NewRegistry(ctx context.Context, opts Options, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	if opts.NodeID == "" {
		return nil, fmt.Errorf("node id required")
	}
	if opts.HeartbeatInterval <= 0 || opts.HeartbeatTimeout <= opts.HeartbeatInterval {
		return nil, fmt.Errorf("heartbeat timeout must exceed a positive interval")
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		opts:   opts,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		now:    time.Now,
		cancel: cancel,
		nodes:  make(map[string]*NodeInfo),
	}

	if err := r.initMetrics(otel.Meter("github.com/loqalabs/loqa-narrator/capability")); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}
	if err := r.publish(protocol.SubjectNodeAnnounce, false); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	r.wg.Add(1)
	go r.runHeartbeat(ctx)
	return r, nil
}

// Close announces departure and stops heartbeats.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	if err := r.publish(protocol.SubjectNodeAnnounce, true); err != nil {
		r.log.Warn("failed to announce departure", slog.String("error", err.Error()))
	}
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	for _, subject := range []string{protocol.SubjectNodeAnnounce, protocol.SubjectNodeHeartbeatPrefix + ".*"} {
		sub, err := conn.Subscribe(subject, r.handleStatus)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}
	return conn.Flush()
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publish(protocol.NodeHeartbeatSubject(r.opts.NodeID), false); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) publish(subject string, leaving bool) error {
	payload, err := json.Marshal(protocol.NodeStatus{
		NodeID:       r.opts.NodeID,
		Capabilities: r.opts.Capabilities,
		Timestamp:    time.Now().UTC(),
		Leaving:      leaving,
	})
	if err != nil {
		return err
	}
	if !leaving {
		r.record(protocol.NodeStatus{NodeID: r.opts.NodeID, Capabilities: r.opts.Capabilities})
	}
	return r.bus.Conn().Publish(subject, payload)
}

func (r *Registry) handleStatus(msg *nats.Msg) {
	var status protocol.NodeStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil || status.NodeID == "" {
		r.log.Warn("invalid node status", slog.String("subject", msg.Subject))
		return
	}
	if status.Leaving {
		r.mu.Lock()
		delete(r.nodes, status.NodeID)
		r.mu.Unlock()
		r.log.Info("node left", slog.String("node", status.NodeID))
		return
	}
	r.record(status)
}

// record uses the local clock so skew between nodes does not affect health.
func (r *Registry) record(status protocol.NodeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[status.NodeID]
	if !ok {
		node = &NodeInfo{ID: status.NodeID}
		r.nodes[status.NodeID] = node
		r.log.Info("node joined", slog.String("node", status.NodeID), slog.Int("capabilities", len(status.Capabilities)))
	}
	node.Capabilities = status.Capabilities
	node.LastSeen = r.now()
}

// Nodes returns a snapshot sorted by id. Health is judged at call time.
func (r *Registry) Nodes() []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	out := make([]NodeInfo, 0, len(r.nodes))
	for _, node := range r.nodes {
		info := *node
		info.Capabilities = append([]Capability(nil), node.Capabilities...)
		info.Healthy = now.Sub(node.LastSeen) <= r.opts.HeartbeatTimeout
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Available reports whether a healthy node advertises the capability.
func (r *Registry) Available(name string) bool {
	for _, node := range r.Nodes() {
		if node.Healthy && hasCapability(node, name) {
			return true
		}
	}
	return false
}

// Healthy reports whether this node still sees its own heartbeat.
func (r *Registry) Healthy() bool {
	for _, node := range r.Nodes() {
		if node.ID == r.opts.NodeID {
			return node.Healthy
		}
	}
	return false
}

func hasCapability(node NodeInfo, name string) bool {
	for _, c := range node.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

func (r *Registry) initMetrics(meter metric.Meter) error {
	_, err := meter.Int64ObservableGauge("narrator.nodes.healthy",
		metric.WithDescription("Narrator nodes with a recent heartbeat"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			var healthy int64
			for _, node := range r.Nodes() {
				if node.Healthy {
					healthy++
				}
			}
			o.Observe(healthy)
			return nil
		}))
	return err
}
