package service

import (
	"context"
	"strings"
	"sync"

	"github.com/smallbiznis/worksite/internal/activity/normalize"
	"github.com/smallbiznis/worksite/internal/clock"
	"github.com/smallbiznis/worksite/internal/config"
	finance "github.com/smallbiznis/worksite/internal/finance/domain"
	"github.com/smallbiznis/worksite/internal/mutation"
	"github.com/smallbiznis/worksite/internal/observability/metrics"
	project "github.com/smallbiznis/worksite/internal/project/domain"
	"github.com/smallbiznis/worksite/internal/project/liveupdates"
	"github.com/smallbiznis/worksite/internal/providers/files"
	"github.com/smallbiznis/worksite/internal/providers/notify"
	recordstore "github.com/smallbiznis/worksite/internal/recordstore/domain"
	timeline "github.com/smallbiznis/worksite/internal/timeline/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	AppConfig   config.Config
	Store       recordstore.Store
	Normalizer  *normalize.Normalizer
	Aggregator  timeline.Aggregator
	Reconciler  finance.Reconciler
	Coordinator *mutation.Coordinator
	Files       files.Resolver
	Notifier    notify.Dispatcher
	Hub         *liveupdates.Hub
	Metrics     *metrics.Metrics `optional:"true"`
	Config      *config.TimelineConfigHolder
	Clock       clock.Clock
	Log         *zap.Logger
}

// Registry keeps one engine per open project.
type Registry struct {
	deps Deps
	log  *zap.Logger

	mu      sync.Mutex
	engines map[string]*Engine
}

func NewService(p Params) *Registry {
	return NewRegistry(Deps{
		Store:       p.Store,
		Normalizer:  p.Normalizer,
		Aggregator:  p.Aggregator,
		Reconciler:  p.Reconciler,
		Coordinator: p.Coordinator,
		Files:       p.Files,
		Notifier:    p.Notifier,
		Hub:         p.Hub,
		Metrics:     p.Metrics,
		Config:      p.Config,
		Clock:       p.Clock,
		Location:    p.AppConfig.Location(),
		Log:         p.Log,
	})
}

func NewRegistry(deps Deps) *Registry {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Registry{
		deps:    deps,
		log:     deps.Log.Named("project.registry"),
		engines: make(map[string]*Engine),
	}
}

// Open returns the engine of projectID, creating and loading it on first
// use. An engine whose first load fails is not kept.
func (r *Registry) Open(ctx context.Context, projectID string) (*Engine, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, project.ErrMissingProject
	}

	r.mu.Lock()
	if engine, ok := r.engines[projectID]; ok {
		r.mu.Unlock()
		return engine, nil
	}
	engine := NewEngine(projectID, r.deps)
	r.engines[projectID] = engine
	r.mu.Unlock()

	if err := engine.Refresh(ctx); err != nil && engine.Snapshot().Seq == 0 {
		r.mu.Lock()
		if r.engines[projectID] == engine {
			delete(r.engines, projectID)
		}
		r.mu.Unlock()
		engine.Close()
		return nil, err
	}
	r.log.Debug("engine opened", zap.String("project_id", projectID))
	return engine, nil
}

// Lookup returns an already open engine.
func (r *Registry) Lookup(projectID string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	engine, ok := r.engines[strings.TrimSpace(projectID)]
	return engine, ok
}

func (r *Registry) Close(projectID string) {
	r.mu.Lock()
	engine, ok := r.engines[strings.TrimSpace(projectID)]
	delete(r.engines, strings.TrimSpace(projectID))
	r.mu.Unlock()
	if ok {
		engine.Close()
	}
}

func (r *Registry) CloseAll() {
	r.mu.Lock()
	engines := r.engines
	r.engines = make(map[string]*Engine)
	r.mu.Unlock()
	for _, engine := range engines {
		engine.Close()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.engines)
}
