package provider

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes how an instance is backed.
type Kind string

const (
	// KindManaged is a locally spawned, disposable fork process.
	KindManaged Kind = "managed"
	// KindExternal is a remote RPC endpoint we merely connect to.
	KindExternal Kind = "external"
)

// Selector is the parsed form of a backend reference such as
// "managed:mainnet-fork" or "external:base". A bare name selects whatever
// kind the registry has for it.
type Selector struct {
	Kind Kind
	Name string
}

// ParseSelector parses a backend reference into a Selector. It is a pure
// function; unknown prefixes yield ok == false rather than a fallback.
func ParseSelector(s string) (Selector, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Selector{}, false
	}
	prefix, rest, found := strings.Cut(s, ":")
	if !found {
		return Selector{Name: s}, true
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return Selector{}, false
	}
	switch Kind(strings.ToLower(strings.TrimSpace(prefix))) {
	case KindManaged:
		return Selector{Kind: KindManaged, Name: rest}, true
	case KindExternal:
		return Selector{Kind: KindExternal, Name: rest}, true
	default:
		return Selector{}, false
	}
}

// maxLatencySamples bounds the per-instance latency ring.
const maxLatencySamples = 64

// Metrics tracks per-instance usage counters.
type Metrics struct {
	mu         sync.Mutex
	requests   uint64
	lastAccess time.Time
	latencies  []time.Duration
	next       int
}

// Record adds one request observation.
func (m *Metrics) Record(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	m.lastAccess = time.Now()
	if len(m.latencies) < maxLatencySamples {
		m.latencies = append(m.latencies, latency)
		return
	}
	m.latencies[m.next] = latency
	m.next = (m.next + 1) % maxLatencySamples
}

// Snapshot returns a copyable view of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	samples := make([]time.Duration, len(m.latencies))
	copy(samples, m.latencies)
	return MetricsSnapshot{
		Requests:       m.requests,
		LastAccess:     m.lastAccess,
		LatencySamples: samples,
		AverageLatency: averageLatency(samples),
	}
}

// MetricsSnapshot is a point-in-time copy of instance metrics.
type MetricsSnapshot struct {
	Requests       uint64
	LastAccess     time.Time
	LatencySamples []time.Duration
	AverageLatency time.Duration
}

func averageLatency(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range samples {
		total += s
	}
	return total / time.Duration(len(samples))
}

// Instance is a registered chain backend. The registry owns its lifecycle:
// managed processes are killed on shutdown, external endpoints are dropped.
type Instance struct {
	id        uuid.UUID
	name      string
	chainID   uint64
	kind      Kind
	endpoint  string
	createdAt time.Time
	metrics   Metrics

	proc *managedProcess
}

func newInstance(name string, chainID uint64, kind Kind) *Instance {
	return &Instance{
		id:        uuid.New(),
		name:      name,
		chainID:   chainID,
		kind:      kind,
		createdAt: time.Now(),
	}
}

// ID returns the globally unique identity token of the instance.
func (i *Instance) ID() uuid.UUID { return i.id }

// Name returns the configured chain identifier.
func (i *Instance) Name() string { return i.name }

// ChainID returns the numeric chain id.
func (i *Instance) ChainID() uint64 { return i.chainID }

// Kind reports whether the instance is managed or external.
func (i *Instance) Kind() Kind { return i.kind }

// Endpoint returns the RPC endpoint URL. For managed instances it is empty
// until the process has been spawned.
func (i *Instance) Endpoint() string { return i.endpoint }

// CreatedAt returns the registration timestamp.
func (i *Instance) CreatedAt() time.Time { return i.createdAt }

// MetricsSnapshot returns a copy of the usage metrics.
func (i *Instance) MetricsSnapshot() MetricsSnapshot { return i.metrics.Snapshot() }
