// Package plugindir discovers format plugins in a directory, loads
// them with a version gate, and optionally hot-reloads the registry
// when backing files change. Each plugin is a Go plugin (.so) that
// exports a symbol named StrataPlugin satisfying the Plugin interface.
package plugindir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dataplane-io/strata/pkg/config"
	"github.com/dataplane-io/strata/pkg/format"
	"github.com/dataplane-io/strata/pkg/logger"
	"github.com/dataplane-io/strata/pkg/strataerrors"
)

// SymbolName is the exported variable every plugin must provide.
const SymbolName = "StrataPlugin"

// Plugin is the contract a loaded module fulfills: identity plus a
// format factory. Instances created through New keep working across
// later registry swaps.
type Plugin interface {
	Metadata() format.PluginMetadata
	New(cfg *config.PipelineConfig) (format.Format, error)
}

// Loader scans a plugin directory and maintains the plugin-sourced
// half of a format registry.
type Loader struct {
	registry *format.Registry
	cfg      config.PluginConfig
	logger   *zap.Logger

	mu     sync.Mutex
	loaded map[string]*loadedPlugin // keyed by file path
}

type loadedPlugin struct {
	fingerprint string
	entry       *format.Entry
	failed      bool
}

// NewLoader creates a loader feeding the given registry.
func NewLoader(registry *format.Registry, cfg config.PluginConfig) *Loader {
	return &Loader{
		registry: registry,
		cfg:      cfg,
		logger:   logger.Get().With(zap.String("component", "plugin_loader")),
		loaded:   map[string]*loadedPlugin{},
	}
}

// Scan walks the plugin directory once and swaps the registry's plugin
// entries to match. Loading is best-effort per plugin: a module that
// fails to load, times out, or declares an incompatible version is
// logged and skipped without affecting the others. Re-scanning an
// unchanged directory is a no-op on the registry.
func (l *Loader) Scan(ctx context.Context) error {
	paths, err := l.candidates()
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seen := map[string]bool{}
	changed := false
	for _, path := range paths {
		seen[path] = true
		fp, err := fingerprint(path)
		if err != nil {
			l.logger.Warn("plugin stat failed", zap.String("path", path), zap.Error(err))
			continue
		}

		if prev, ok := l.loaded[path]; ok && prev.fingerprint == fp {
			continue
		}

		entry, err := l.loadOne(ctx, path)
		if err != nil {
			l.logger.Warn("plugin rejected", zap.String("path", path), zap.Error(err))
			l.loaded[path] = &loadedPlugin{fingerprint: fp, failed: true}
			changed = true
			continue
		}
		l.loaded[path] = &loadedPlugin{fingerprint: fp, entry: entry}
		l.logger.Info("plugin loaded",
			zap.String("path", path),
			zap.String("format", entry.Descriptor.Name),
			zap.String("version", entry.Descriptor.Version))
		changed = true
	}

	for path := range l.loaded {
		if !seen[path] {
			delete(l.loaded, path)
			changed = true
		}
	}

	if changed {
		l.registry.Replace(l.entries())
	}
	return nil
}

// Watch re-scans on the configured interval until ctx is cancelled.
// Intended to run as a goroutine when hot reload is enabled.
func (l *Loader) Watch(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.HotReloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := l.Scan(ctx); err != nil {
				l.logger.Warn("plugin rescan failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Entries returns the currently loaded plugin entries keyed by format
// name.
func (l *Loader) Entries() map[string]*format.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries()
}

func (l *Loader) entries() map[string]*format.Entry {
	out := map[string]*format.Entry{}
	for _, lp := range l.loaded {
		if lp.entry != nil {
			out[lp.entry.Descriptor.Name] = lp.entry
		}
	}
	return out
}

func (l *Loader) candidates() ([]string, error) {
	items, err := os.ReadDir(l.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, strataerrors.Wrap(err, strataerrors.ErrorTypeNotFound,
				"plugin directory "+l.cfg.Dir)
		}
		return nil, strataerrors.Wrap(err, strataerrors.ErrorTypeStorageIO,
			"read plugin directory "+l.cfg.Dir)
	}

	var paths []string
	for _, item := range items {
		if item.IsDir() || !strings.HasSuffix(item.Name(), ".so") {
			continue
		}
		paths = append(paths, filepath.Join(l.cfg.Dir, item.Name()))
	}
	return paths, nil
}

// loadOne opens one module under the load timeout and gates it on the
// version policy. The open runs in its own goroutine since plugin.Open
// has no cancellation; on timeout the result is abandoned.
func (l *Loader) loadOne(ctx context.Context, path string) (*format.Entry, error) {
	type result struct {
		plug Plugin
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		p, err := plugin.Open(path)
		if err != nil {
			ch <- result{err: strataerrors.Wrap(err, strataerrors.ErrorTypePluginLoad, "open plugin")}
			return
		}
		sym, err := p.Lookup(SymbolName)
		if err != nil {
			ch <- result{err: strataerrors.Wrap(err, strataerrors.ErrorTypePluginLoad,
				"plugin does not export "+SymbolName)}
			return
		}
		plug, ok := sym.(Plugin)
		if !ok {
			if pp, ok2 := sym.(*Plugin); ok2 {
				plug, ok = *pp, true
			}
		}
		if !ok {
			ch <- result{err: strataerrors.Newf(strataerrors.ErrorTypePluginLoad,
				"%s has type %T, not plugindir.Plugin", SymbolName, sym)}
			return
		}
		ch <- result{plug: plug}
	}()

	timeout := l.cfg.LoadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var res result
	select {
	case res = <-ch:
	case <-time.After(timeout):
		return nil, strataerrors.Newf(strataerrors.ErrorTypePluginTimeout,
			"plugin load exceeded %s", timeout)
	case <-ctx.Done():
		return nil, strataerrors.Wrap(ctx.Err(), strataerrors.ErrorTypeCancelled, "plugin load cancelled")
	}
	if res.err != nil {
		return nil, res.err
	}

	meta := res.plug.Metadata()
	if err := Compatible(l.cfg.Compatibility, format.APIVersion, meta.APIVersion); err != nil {
		return nil, err
	}

	plug := res.plug
	return &format.Entry{
		Descriptor: format.Descriptor{
			Name:         meta.Name,
			Version:      meta.Version,
			Extensions:   meta.Extensions,
			Capabilities: meta.Capabilities,
			Source:       path,
		},
		Factory: func(cfg *config.PipelineConfig) (format.Format, error) {
			return plug.New(cfg)
		},
		Fingerprint: mustFingerprint(path),
	}, nil
}

// fingerprint identifies a plugin file by size and modification time.
// A rebuilt module changes both in practice; content hashing is not
// worth the read cost on every scan tick.
func fingerprint(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d:%d", info.Size(), info.ModTime().UnixNano()), nil
}

func mustFingerprint(path string) string {
	fp, err := fingerprint(path)
	if err != nil {
		return ""
	}
	return fp
}
