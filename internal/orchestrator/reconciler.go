package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"polychat/internal/chat"
	"polychat/internal/provider"
)

// refreshTarget is the snapshot one reconciliation pass works from. Snapshots
// are taken on the control loop so the pass itself never touches orchestrator
// maps.
type refreshTarget struct {
	provider chat.Provider
	client   provider.Client
	probe    bool // client was rebuilt to re-test a down provider
	known    []chat.Model
}

// needsRefresh decides whether a provider's catalog is due. List-backed
// providers refresh on an interval; availability-gated ones are checked every
// pass because their answer doubles as a liveness signal.
func needsRefresh(p chat.Provider, now int64) bool {
	if p.AvailabilityRequiresModels {
		return true
	}
	if !p.ModelsFromList {
		return false
	}
	return now >= p.ModelsRefreshedAt+p.ModelsRefreshSeconds
}

// RefreshCatalog snapshots the due providers and spawns one background pass.
// Providers currently marked down are probed with a freshly built client;
// answering again revives them. The pass emits exactly one CatalogRefreshed.
func (o *Orchestrator) RefreshCatalog(force bool) {
	now := time.Now().Unix()
	var targets []refreshTarget
	ids := make([]int64, 0, len(o.providers))
	for id := range o.providers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		p := o.providers[id]
		if !o.keySet[id] {
			continue
		}
		if !force && !needsRefresh(p, now) {
			continue
		}
		t := refreshTarget{provider: p}
		if client, ok := o.clients[id]; ok {
			t.client = client
		} else if o.ProviderDown(id) {
			t.client = o.factory(p)
			t.probe = true
		} else {
			continue
		}
		for _, m := range o.all {
			if m.ProviderID == id {
				t.known = append(t.known, m)
			}
		}
		sort.Slice(t.known, func(i, j int) bool { return t.known[i].ID < t.known[j].ID })
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		return
	}

	go o.refreshPass(o.log.With("component", "reconciler"), targets, now)
}

// refreshPass fetches each target's live catalog, diffs it against the known
// one, persists insertions and deprecations atomically per provider, and
// folds everything into a single event.
func (o *Orchestrator) refreshPass(logger *log.Logger, targets []refreshTarget, now int64) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("catalog refresh panicked", "panic", r)
		}
	}()

	ev := CatalogRefreshed{RefreshedAt: make(map[int64]int64)}
	for _, t := range targets {
		live, err := t.client.ListModels(context.Background())
		if err != nil {
			logger.Error("catalog fetch failed", "provider", t.provider.Name, "err", err)
			if !t.probe {
				ev.DownIDs = append(ev.DownIDs, t.provider.ID)
				for _, m := range t.known {
					ev.Unavailable = append(ev.Unavailable, m)
				}
			}
			continue
		}
		if t.probe {
			ev.RevivedIDs = append(ev.RevivedIDs, t.provider.ID)
		}

		var toInsert []chat.Model
		for name, m := range live {
			known := false
			for _, k := range t.known {
				if k.Name == name {
					known = true
					break
				}
			}
			if !known {
				toInsert = append(toInsert, m)
			}
		}
		sort.Slice(toInsert, func(i, j int) bool { return toInsert[i].Name < toInsert[j].Name })

		var toRemove []int64
		for _, k := range t.known {
			if _, stillServed := live[k.Name]; !stillServed {
				toRemove = append(toRemove, k.ID)
			}
		}

		inserted, removed, err := o.store.SyncProviderCatalog(t.provider.ID, toInsert, toRemove, now)
		if err != nil {
			logger.Error("catalog sync failed", "provider", t.provider.Name, "err", err)
			continue
		}
		if len(inserted) > 0 || len(removed) > 0 {
			logger.Info("catalog changed", "provider", t.provider.Name,
				"added", len(inserted), "removed", len(removed))
		}
		ev.Added = append(ev.Added, inserted...)
		ev.RemovedIDs = append(ev.RemovedIDs, removed...)
		ev.RefreshedAt[t.provider.ID] = now
	}

	o.events <- ev
}
