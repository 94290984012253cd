package format

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dataplane-io/strata/pkg/config"
	"github.com/dataplane-io/strata/pkg/logger"
	"github.com/dataplane-io/strata/pkg/metrics"
	"github.com/dataplane-io/strata/pkg/strataerrors"
)

// Entry is one registered format: its descriptor, its factory, and a
// fingerprint of the backing plugin file (empty for built-ins). The
// fingerprint lets the hot reloader detect changed modules.
type Entry struct {
	Descriptor  Descriptor
	Factory     Factory
	Fingerprint string
}

// Registry maps format names and extensions to factories. Lookups read
// an immutable snapshot; mutation swaps the whole snapshot atomically,
// so concurrent readers never observe a partial update.
type Registry struct {
	snapshot atomic.Pointer[map[string]*Entry]
	mu       sync.Mutex // serializes writers only
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{
		logger: logger.Get().With(zap.String("component", "format_registry")),
	}
	empty := map[string]*Entry{}
	r.snapshot.Store(&empty)
	return r
}

// Register adds or replaces a single entry under its descriptor name.
func (r *Registry) Register(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.clone()
	next[strings.ToLower(e.Descriptor.Name)] = e
	r.snapshot.Store(&next)
	r.logger.Debug("format registered",
		zap.String("format", e.Descriptor.Name),
		zap.String("version", e.Descriptor.Version),
		zap.String("source", e.Descriptor.Source))
}

// Replace swaps the full set of plugin-sourced entries while keeping
// built-ins, in one atomic snapshot update. Used by the hot reloader.
func (r *Registry) Replace(plugins map[string]*Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := map[string]*Entry{}
	for name, e := range *r.snapshot.Load() {
		if e.Descriptor.Source == "builtin" {
			next[name] = e
		}
	}
	for name, e := range plugins {
		next[strings.ToLower(name)] = e
	}
	r.snapshot.Store(&next)
	metrics.PluginsLoaded.Set(float64(len(plugins)))
}

// Lookup finds an entry by format name.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	e, ok := (*r.snapshot.Load())[strings.ToLower(name)]
	return e, ok
}

// LookupExtension finds an entry claiming the given file extension
// (without the dot). Built-ins win over plugins on conflict.
func (r *Registry) LookupExtension(ext string) (*Entry, bool) {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	var found *Entry
	for _, e := range *r.snapshot.Load() {
		for _, x := range e.Descriptor.Extensions {
			if x != ext {
				continue
			}
			if e.Descriptor.Source == "builtin" {
				return e, true
			}
			if found == nil {
				found = e
			}
		}
	}
	return found, found != nil
}

// Create instantiates a format by identifier: a registered name, or a
// file extension when no name matches.
func (r *Registry) Create(identifier string, cfg *config.PipelineConfig) (Format, error) {
	e, ok := r.Lookup(identifier)
	if !ok {
		e, ok = r.LookupExtension(identifier)
	}
	if !ok {
		return nil, strataerrors.Newf(strataerrors.ErrorTypeFormatNotFound,
			"no format registered for %q (known: %s)", identifier, strings.Join(r.Names(), ", "))
	}
	f, err := e.Factory(cfg)
	if err != nil {
		if strataerrors.IsType(err, strataerrors.ErrorTypeFormatConfig) {
			return nil, err
		}
		return nil, strataerrors.Wrap(err, strataerrors.ErrorTypeFormatConfig,
			"configure format "+e.Descriptor.Name)
	}
	return f, nil
}

// Names lists registered format names, sorted.
func (r *Registry) Names() []string {
	snap := *r.snapshot.Load()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entries returns the current snapshot's entries, sorted by name.
func (r *Registry) Entries() []*Entry {
	entries := make([]*Entry, 0)
	for _, name := range r.Names() {
		if e, ok := r.Lookup(name); ok {
			entries = append(entries, e)
		}
	}
	return entries
}

func (r *Registry) clone() map[string]*Entry {
	cur := *r.snapshot.Load()
	next := make(map[string]*Entry, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	return next
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry that built-in
// formats register into.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// RegisterBuiltin registers a built-in format in the default registry.
// Called from format package inits.
func RegisterBuiltin(desc Descriptor, factory Factory) {
	desc.Source = "builtin"
	DefaultRegistry().Register(&Entry{Descriptor: desc, Factory: factory})
}
