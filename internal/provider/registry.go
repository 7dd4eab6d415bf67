// Package provider routes descriptor kinds to the backends that manage them.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/picklr-io/tierctl/internal/ir"
	"github.com/picklr-io/tierctl/internal/logging"
	"github.com/picklr-io/tierctl/internal/state"
	"github.com/picklr-io/tierctl/providers/aws"
	"github.com/picklr-io/tierctl/providers/helm"
	"github.com/picklr-io/tierctl/providers/kubernetes"
	"github.com/picklr-io/tierctl/providers/null"
)

// Backend modes.
const (
	ModeNull = "null"
	ModeLive = "live"
)

// DefaultClusterID is the descriptor id whose handle supplies cluster
// credentials when no kubeconfig is configured.
const DefaultClusterID = "cluster"

// Registry manages the backends of a run and routes each request to the
// backend registered for its kind. It is itself an ir.Backend.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ir.Backend
	routes    map[ir.Kind]string
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]ir.Backend),
		routes:    make(map[ir.Kind]string),
	}
}

// Register adds a backend under name and routes kinds to it. A kind may be
// routed to only one backend.
func (r *Registry) Register(name string, backend ir.Backend, kinds ...ir.Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider already registered: %s", name)
	}
	for _, kind := range kinds {
		if owner, ok := r.routes[kind]; ok {
			return fmt.Errorf("kind %s is already routed to provider %s", kind, owner)
		}
	}

	r.providers[name] = backend
	for _, kind := range kinds {
		r.routes[kind] = name
	}
	logging.Debug("provider registered", "provider", name, "kinds", len(kinds))
	return nil
}

// Get returns a registered provider.
func (r *Registry) Get(name string) (ir.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider not loaded: %s", name)
	}
	return p, nil
}

// Route returns the provider name and backend for kind.
func (r *Registry) Route(kind ir.Kind) (string, ir.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.routes[kind]
	if !ok {
		return "", nil, ir.Permanent(fmt.Errorf("no provider manages kind %s", kind))
	}
	return name, r.providers[name], nil
}

// Providers returns the registered provider names, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) CreateOrUpdate(ctx context.Context, req *ir.Request) (*ir.Handle, error) {
	_, backend, err := r.Route(req.Kind)
	if err != nil {
		return nil, err
	}
	return backend.CreateOrUpdate(ctx, req)
}

func (r *Registry) Delete(ctx context.Context, req *ir.Request) error {
	_, backend, err := r.Route(req.Kind)
	if err != nil {
		return err
	}
	return backend.Delete(ctx, req)
}

// LoadProvider initializes a built-in provider and routes its kinds.
func (r *Registry) LoadProvider(ctx context.Context, name string, cfg ir.BackendConfig, store state.Store) error {
	r.mu.RLock()
	_, exists := r.providers[name]
	r.mu.RUnlock()
	if exists {
		return nil
	}

	switch name {
	case "null":
		return r.Register(name, null.New(null.WithRegion(cfg.Region)), ir.Kinds...)
	case "aws":
		p, err := aws.New(ctx, aws.Options{Region: cfg.Region, Profile: cfg.Profile})
		if err != nil {
			return err
		}
		return r.Register(name, p, aws.Kinds...)
	case "kubernetes":
		p := kubernetes.New(kubernetes.Options{
			Kubeconfig: kubeconfigLoader(cfg, store),
			Context:    cfg.KubeContext,
		})
		return r.Register(name, p, kubernetes.Kinds...)
	case "helm":
		releaser := helm.NewActionReleaser(kubeconfigLoader(cfg, store), cfg.KubeContext)
		return r.Register(name, helm.New(releaser), helm.Kinds...)
	default:
		return fmt.Errorf("unknown provider: %s", name)
	}
}

// FromConfig builds the registry for a backend mode: everything goes to
// the null provider unless the mode is live.
func FromConfig(ctx context.Context, cfg ir.BackendConfig, store state.Store) (*Registry, error) {
	r := NewRegistry()
	mode := cfg.Mode
	if mode == "" {
		mode = ModeNull
	}

	var names []string
	switch mode {
	case ModeNull:
		names = []string{"null"}
	case ModeLive:
		names = []string{"aws", "kubernetes", "helm"}
	default:
		return nil, fmt.Errorf("unknown backend mode %q", cfg.Mode)
	}

	for _, name := range names {
		if err := r.LoadProvider(ctx, name, cfg, store); err != nil {
			return nil, fmt.Errorf("failed to load provider %s: %w", name, err)
		}
	}
	logging.Info("backends ready", "mode", mode, "providers", names)
	return r, nil
}

func kubeconfigLoader(cfg ir.BackendConfig, store state.Store) kubernetes.KubeconfigLoader {
	if cfg.Kubeconfig != "" || store == nil {
		return kubernetes.FileKubeconfig(cfg.Kubeconfig)
	}
	clusterID := cfg.ClusterID
	if clusterID == "" {
		clusterID = DefaultClusterID
	}
	return ClusterKubeconfig(store, clusterID, cfg.Region, cfg.Profile)
}
