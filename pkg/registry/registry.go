// Package registry implements the Module Registry (spec.md §4.C):
// built-in modules plus a non-recursive scan of a plugins directory,
// exposed as a read-only lookup once populated.
package registry

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pxp-agent/pxp-agent/pkg/api"
	"github.com/pxp-agent/pxp-agent/pkg/invoker"
)

// Registry is populated once at construction and never mutated
// afterward: spec.md §5 notes it needs no locking because of this.
type Registry struct {
	modules map[string]api.ModuleDescriptor
}

// newPluginHandler adapts a plugin's on-disk path to api.Handler by
// delegating each Execute call to an Invoker.
func newPluginHandler(path string, inv *invoker.Invoker) api.Handler {
	return api.HandlerFunc(func(ctx context.Context, action string, params *structpb.Struct) (api.Outcome, error) {
		return inv.Run(ctx, path, action, params)
	})
}

// New scans pluginsDir non-recursively and builds the registry.
// A plugin that fails introspection is logged and skipped; it never
// prevents startup (spec.md §4.C).
func New(ctx context.Context, pluginsDir string, actionTimeout time.Duration, log *zap.Logger) *Registry {
	modules := map[string]api.ModuleDescriptor{}
	for _, m := range builtinModules() {
		modules[m.ModuleName] = m
	}

	entries, err := os.ReadDir(pluginsDir)
	if err != nil {
		log.Warn("plugins directory not readable, no external modules loaded",
			zap.String("plugins_dir", pluginsDir), zap.Error(err))
		return &Registry{modules: modules}
	}

	cache := loadPluginCache(pluginsDir)
	inv := invoker.New(actionTimeout)
	dirty := false

	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == cacheFileName {
			continue
		}
		path := filepath.Join(pluginsDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			log.Warn("skipping plugin, cannot stat", zap.String("path", path), zap.Error(err))
			continue
		}

		meta, ok := cache.lookup(path, info)
		if !ok {
			meta, err = introspect(ctx, path, actionTimeout)
			if err != nil {
				log.Warn("skipping plugin, introspection failed", zap.String("path", path), zap.Error(err))
				continue
			}
			cache.put(path, info, meta)
			dirty = true
		}

		actions := make(map[string]api.ActionSchema, len(meta.Actions))
		for name, schema := range meta.Actions {
			actions[name] = schema
		}

		modules[meta.ModuleName] = api.ModuleDescriptor{
			ModuleName: meta.ModuleName,
			Handler:    newPluginHandler(path, inv),
			Actions:    actions,
		}
		log.Info("loaded external module", zap.String("module", meta.ModuleName), zap.String("path", path))
	}

	if dirty {
		if err := cache.save(); err != nil {
			log.Warn("failed to persist plugin introspection cache", zap.Error(err))
		}
	}

	return &Registry{modules: modules}
}

// Lookup returns the descriptor for module_name, or false if unknown.
// Lookup is exact and case-sensitive, per spec.md §3.
func (r *Registry) Lookup(moduleName string) (api.ModuleDescriptor, bool) {
	m, ok := r.modules[moduleName]
	return m, ok
}
