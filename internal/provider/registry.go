package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	xerrors "ChainForge/internal/errors"
	"ChainForge/pkg/logger"
)

// Registry owns fork and RPC endpoint instances keyed by chain identifier.
// Registration is cheap and config-driven; the process spawn / connection
// happens lazily, exactly once per chain, on the first GetProvider call.
type Registry struct {
	entries sync.Map // name -> *entry
}

type entry struct {
	def      ChainDefinition
	instance *Instance

	once    sync.Once
	client  *Client
	err     error
	created atomic.Bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// NewRegistryFromDefinitions registers every chain from a parsed providers
// document. Registration of distinct chains is independent; a single bad
// definition fails the whole load so misconfiguration surfaces at startup.
func NewRegistryFromDefinitions(defs Definitions) (*Registry, error) {
	r := NewRegistry()
	for name, def := range defs.Chains {
		if _, err := r.Register(name, def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register validates the definition and records the instance identity.
// It does not spawn or dial anything.
func (r *Registry) Register(name string, def ChainDefinition) (*Instance, error) {
	if err := def.Validate(name); err != nil {
		return nil, err
	}
	kind, err := def.ResolveKind()
	if err != nil {
		return nil, err
	}

	instance := newInstance(name, def.ChainID, kind)
	if kind == KindExternal {
		instance.endpoint = expandEnv(def.RPCURL)
	}

	if _, loaded := r.entries.LoadOrStore(name, &entry{def: def, instance: instance}); loaded {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("chain %s already registered", name))
	}

	logger.Named("provider").Info("registered chain backend",
		"chain", name, "kind", string(kind), "chain_id", def.ChainID)
	return instance, nil
}

// GetProvider returns the cached client for a chain identifier, creating it
// on first use. Concurrent callers for the same chain converge on one
// spawn/connect attempt and share its result (or its error).
func (r *Registry) GetProvider(ctx context.Context, name string) (*Client, error) {
	value, ok := r.entries.Load(name)
	if !ok {
		return nil, xerrors.New(xerrors.CodeProviderUnavailable, fmt.Sprintf("unknown chain identifier %q", name))
	}
	e := value.(*entry)

	e.once.Do(func() {
		e.client, e.err = r.initEntry(ctx, e)
		if e.err == nil {
			e.created.Store(true)
		}
	})
	if e.err != nil {
		return nil, e.err
	}
	return e.client, nil
}

// GetProviderBySelector resolves a parsed backend selector, enforcing the
// kind when the selector names one.
func (r *Registry) GetProviderBySelector(ctx context.Context, sel Selector) (*Client, error) {
	client, err := r.GetProvider(ctx, sel.Name)
	if err != nil {
		return nil, err
	}
	if sel.Kind != "" && client.instance.kind != sel.Kind {
		return nil, xerrors.New(xerrors.CodeProviderUnavailable,
			fmt.Sprintf("chain %s is %s, selector requires %s", sel.Name, client.instance.kind, sel.Kind))
	}
	return client, nil
}

func (r *Registry) initEntry(ctx context.Context, e *entry) (*Client, error) {
	if e.instance.kind == KindManaged {
		proc, err := spawnManaged(ctx, e.instance.name, e.def)
		if err != nil {
			return nil, err
		}
		e.instance.proc = proc
		e.instance.endpoint = proc.endpoint
		logger.Named("provider").Info("spawned managed instance",
			"chain", e.instance.name, "endpoint", proc.endpoint, "id", e.instance.id.String())
	}
	client, err := dialClient(ctx, e.instance)
	if err != nil {
		if e.instance.proc != nil {
			_ = e.instance.proc.stop()
			e.instance.proc = nil
		}
		return nil, err
	}
	return client, nil
}

// IsInitialized reports whether the chain's client has been created. It
// never triggers initialization itself.
func (r *Registry) IsInitialized(name string) bool {
	value, ok := r.entries.Load(name)
	if !ok {
		return false
	}
	return value.(*entry).created.Load()
}

// MetricsSnapshot returns usage metrics for a chain, or NotFound.
func (r *Registry) MetricsSnapshot(name string) (MetricsSnapshot, error) {
	value, ok := r.entries.Load(name)
	if !ok {
		return MetricsSnapshot{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("unknown chain identifier %q", name))
	}
	return value.(*entry).instance.MetricsSnapshot(), nil
}

// Instance returns the instance record for a chain, or NotFound.
func (r *Registry) Instance(name string) (*Instance, error) {
	value, ok := r.entries.Load(name)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("unknown chain identifier %q", name))
	}
	return value.(*entry).instance, nil
}

// Chains returns the sorted list of registered chain identifiers.
func (r *Registry) Chains() []string {
	var names []string
	r.entries.Range(func(key, _ any) bool {
		names = append(names, key.(string))
		return true
	})
	sort.Strings(names)
	return names
}

// Close shuts down every managed process and releases all connections.
func (r *Registry) Close() {
	r.entries.Range(func(key, value any) bool {
		e := value.(*entry)
		if e.client != nil {
			e.client.close()
		}
		if e.instance.proc != nil {
			if err := e.instance.proc.stop(); err != nil {
				logger.Named("provider").Warn("failed to stop managed instance",
					"chain", e.instance.name, "error", err)
			}
			e.instance.proc = nil
		}
		r.entries.Delete(key)
		return true
	})
}
