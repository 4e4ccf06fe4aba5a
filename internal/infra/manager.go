package infra

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-agent/internal/cache"
)

// Health summarizes the state of the discovered infrastructure.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
	HealthUnknown  Health = "unknown"
)

// ServiceInventory is one provider service's footprint in one region.
type ServiceInventory struct {
	Region        string `json:"region"`
	Service       string `json:"service"`
	ResourceCount int    `json:"resourceCount"`
	HealthyCount  int    `json:"healthyCount"`
	WarningCount  int    `json:"warningCount"`
	CriticalCount int    `json:"criticalCount"`
	ActiveAlarms  int    `json:"activeAlarms"`
}

// Snapshot is the aggregated result of one discovery pass.
type Snapshot struct {
	GeneratedAt   time.Time          `json:"generatedAt"`
	OverallHealth Health             `json:"overallHealth"`
	Inventories   []ServiceInventory `json:"inventories"`
	FailedRegions []string           `json:"failedRegions,omitempty"`
}

// Provider answers inventory questions for one cloud account.
type Provider interface {
	Describe(ctx context.Context, region, service string) (ServiceInventory, error)
}

// Options configures a Manager.
type Options struct {
	Provider          Provider
	Regions           []string
	Services          []string
	MaxConcurrency    int
	TimeoutPerService time.Duration
	CacheTTL          time.Duration
	Cache             cache.Provider
	Logger            *slog.Logger
}

// Manager runs pre-flight infrastructure discovery: a region by service
// fan-out under bounded concurrency, with a TTL cache and single-flight
// sharing so concurrent callers wait on one in-flight pass.
type Manager struct {
	provider   Provider
	regions    []string
	services   []string
	maxConc    int
	perTimeout time.Duration
	cacheTTL   time.Duration
	cache      cache.Provider
	logger     *slog.Logger

	mu       sync.Mutex
	inflight *discovery
}

type discovery struct {
	done chan struct{}
	snap Snapshot
	err  error
}

const snapshotCacheKey = "infra:snapshot"

// NewManager constructs a Manager.
func NewManager(opts Options) *Manager {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	if opts.TimeoutPerService <= 0 {
		opts.TimeoutPerService = 10 * time.Second
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMemoryProvider()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		provider:   opts.Provider,
		regions:    opts.Regions,
		services:   opts.Services,
		maxConc:    opts.MaxConcurrency,
		perTimeout: opts.TimeoutPerService,
		cacheTTL:   opts.CacheTTL,
		cache:      opts.Cache,
		logger:     opts.Logger,
	}
}

// Discover returns the current infrastructure snapshot. A cached snapshot is
// served while fresh unless forceRefresh is set; concurrent callers share a
// single in-flight discovery.
func (m *Manager) Discover(ctx context.Context, forceRefresh bool) (Snapshot, error) {
	if m.provider == nil {
		return Snapshot{GeneratedAt: time.Now().UTC(), OverallHealth: HealthUnknown}, nil
	}

	if !forceRefresh {
		var cached Snapshot
		if err := cache.GetJSON(ctx, m.cache, snapshotCacheKey, &cached); err == nil {
			return cached, nil
		}
	}

	m.mu.Lock()
	if m.inflight != nil {
		call := m.inflight
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.snap, call.err
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}
	call := &discovery{done: make(chan struct{})}
	m.inflight = call
	m.mu.Unlock()

	call.snap, call.err = m.discover(ctx)
	close(call.done)

	m.mu.Lock()
	m.inflight = nil
	m.mu.Unlock()

	if call.err == nil {
		_ = cache.SetJSON(ctx, m.cache, snapshotCacheKey, call.snap, m.cacheTTL)
	}
	return call.snap, call.err
}

func (m *Manager) discover(ctx context.Context) (Snapshot, error) {
	type task struct{ region, service string }
	tasks := make([]task, 0, len(m.regions)*len(m.services))
	for _, region := range m.regions {
		for _, service := range m.services {
			tasks = append(tasks, task{region, service})
		}
	}
	if len(tasks) == 0 {
		return Snapshot{GeneratedAt: time.Now().UTC(), OverallHealth: HealthUnknown}, nil
	}

	var (
		wg      sync.WaitGroup
		sem     = make(chan struct{}, m.maxConc)
		mu      sync.Mutex
		results []ServiceInventory
		failed  = make(map[string]struct{})
	)
	for _, t := range tasks {
		wg.Add(1)
		go func(t task) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			callCtx, cancel := context.WithTimeout(ctx, m.perTimeout)
			defer cancel()

			inv, err := m.provider.Describe(callCtx, t.region, t.service)
			if err != nil {
				m.logger.Warn("infra discovery failed",
					slog.String("region", t.region),
					slog.String("service", t.service),
					slog.String("error", err.Error()))
				mu.Lock()
				failed[t.region] = struct{}{}
				mu.Unlock()
				return
			}
			inv.Region = t.region
			inv.Service = t.service
			mu.Lock()
			results = append(results, inv)
			mu.Unlock()
		}(t)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return Snapshot{}, ctx.Err()
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Region != results[j].Region {
			return results[i].Region < results[j].Region
		}
		return results[i].Service < results[j].Service
	})

	snap := Snapshot{
		GeneratedAt:   time.Now().UTC(),
		Inventories:   results,
		OverallHealth: deriveHealth(results),
	}
	for region := range failed {
		snap.FailedRegions = append(snap.FailedRegions, region)
	}
	sort.Strings(snap.FailedRegions)
	return snap, nil
}

// deriveHealth folds per-service counts into one overall grade: critical when
// anything reports critical resources or more than 2 active alarms, degraded
// on warnings or any alarm, healthy otherwise. No data at all is unknown.
func deriveHealth(inventories []ServiceInventory) Health {
	if len(inventories) == 0 {
		return HealthUnknown
	}
	totalAlarms := 0
	warnings := 0
	for _, inv := range inventories {
		if inv.CriticalCount > 0 {
			return HealthCritical
		}
		totalAlarms += inv.ActiveAlarms
		warnings += inv.WarningCount
	}
	if totalAlarms > 2 {
		return HealthCritical
	}
	if warnings > 0 || totalAlarms >= 1 {
		return HealthDegraded
	}
	return HealthHealthy
}

// BuildContext renders the snapshot as prompt text.
func (s Snapshot) BuildContext() string {
	if len(s.Inventories) == 0 {
		return ""
	}
	out := fmt.Sprintf("Infrastructure snapshot (%s overall):\n", s.OverallHealth)
	for _, inv := range s.Inventories {
		out += fmt.Sprintf("- %s/%s: %d resources, %d healthy, %d warning, %d critical, %d alarms\n",
			inv.Region, inv.Service, inv.ResourceCount, inv.HealthyCount, inv.WarningCount, inv.CriticalCount, inv.ActiveAlarms)
	}
	return out
}
