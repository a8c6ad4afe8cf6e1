package orchestrator

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"polychat/internal/chat"
	"polychat/internal/provider"
)

func catalogOf(providerID int64, names ...string) func() (map[string]chat.Model, error) {
	return func() (map[string]chat.Model, error) {
		out := make(map[string]chat.Model, len(names))
		for _, n := range names {
			out[n] = chat.Model{ProviderID: providerID, Name: n}
		}
		return out, nil
	}
}

func newCatalogOrchestrator(st *fakeStore, client *scriptedClient) *Orchestrator {
	providers := []chat.Provider{{
		ID: 1, Name: "prov",
		ModelsFromList:       true,
		ModelsRefreshSeconds: 60,
	}}
	models := []chat.Model{
		{ID: 10, ProviderID: 1, Name: "keep"},
		{ID: 11, ProviderID: 1, Name: "old"},
	}
	factory := func(p chat.Provider) provider.Client { return client }
	return New(st, providers, models, chat.ChatProfile{}, factory, log.New(io.Discard))
}

func TestNeedsRefresh(t *testing.T) {
	now := int64(1000)
	cases := []struct {
		name string
		p    chat.Provider
		want bool
	}{
		{"availability gated always refreshes", chat.Provider{AvailabilityRequiresModels: true}, true},
		{"static catalog never refreshes", chat.Provider{}, false},
		{"list provider before interval", chat.Provider{ModelsFromList: true, ModelsRefreshedAt: 990, ModelsRefreshSeconds: 60}, false},
		{"list provider after interval", chat.Provider{ModelsFromList: true, ModelsRefreshedAt: 900, ModelsRefreshSeconds: 60}, true},
	}
	for _, tc := range cases {
		if got := needsRefresh(tc.p, now); got != tc.want {
			t.Fatalf("%s: needsRefresh = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRefreshCatalogDiffsAndSyncs(t *testing.T) {
	st := newFakeStore()
	client := &scriptedClient{reply: echoReply, catalog: catalogOf(1, "keep", "new")}
	o := newCatalogOrchestrator(st, client)

	o.RefreshCatalog(false)
	ev := nextEvent(t, o)
	refreshed, ok := ev.(CatalogRefreshed)
	if !ok {
		t.Fatalf("expected CatalogRefreshed, got %T", ev)
	}
	if len(refreshed.Added) != 1 || refreshed.Added[0].Name != "new" || refreshed.Added[0].ID == 0 {
		t.Fatalf("unexpected added models: %+v", refreshed.Added)
	}
	if len(refreshed.RemovedIDs) != 1 || refreshed.RemovedIDs[0] != 11 {
		t.Fatalf("unexpected removed ids: %v", refreshed.RemovedIDs)
	}
	if _, ok := refreshed.RefreshedAt[1]; !ok {
		t.Fatalf("refresh timestamp missing from event")
	}

	o.Apply(ev)
	available := o.AvailableModels()
	names := make(map[string]bool, len(available))
	for _, m := range available {
		names[m.Name] = true
	}
	if !names["keep"] || !names["new"] || names["old"] {
		t.Fatalf("unexpected available set after sync: %v", names)
	}
	if _, ok := o.Model(11); ok {
		t.Fatalf("deprecated model should leave the in-memory catalog")
	}
}

func TestRefreshCatalogSecondPassIsIdempotent(t *testing.T) {
	st := newFakeStore()
	client := &scriptedClient{reply: echoReply, catalog: catalogOf(1, "keep", "old")}
	o := newCatalogOrchestrator(st, client)

	o.RefreshCatalog(true)
	o.Apply(nextEvent(t, o))
	o.RefreshCatalog(true)
	ev := nextEvent(t, o)
	refreshed := ev.(CatalogRefreshed)
	if len(refreshed.Added) != 0 || len(refreshed.RemovedIDs) != 0 {
		t.Fatalf("unchanged catalog should produce an empty diff: %+v", refreshed)
	}
}

func TestRefreshCatalogSkipsFreshProviders(t *testing.T) {
	st := newFakeStore()
	client := &scriptedClient{reply: echoReply, catalog: catalogOf(1, "keep", "old")}
	providers := []chat.Provider{{
		ID: 1, Name: "prov",
		ModelsFromList:       true,
		ModelsRefreshSeconds: 3600,
		ModelsRefreshedAt:    time.Now().Unix(),
	}}
	factory := func(p chat.Provider) provider.Client { return client }
	o := New(st, providers, nil, chat.ChatProfile{}, factory, log.New(io.Discard))

	o.RefreshCatalog(false)
	select {
	case ev := <-o.Events():
		t.Fatalf("fresh provider should not be refreshed, got %T", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFetchFailureMarksProviderDown(t *testing.T) {
	st := newFakeStore()
	client := &scriptedClient{
		reply:   echoReply,
		catalog: func() (map[string]chat.Model, error) { return nil, errors.New("connection refused") },
	}
	o := newCatalogOrchestrator(st, client)

	o.RefreshCatalog(true)
	ev := nextEvent(t, o)
	refreshed := ev.(CatalogRefreshed)
	if len(refreshed.DownIDs) != 1 || refreshed.DownIDs[0] != 1 {
		t.Fatalf("provider should be reported down: %+v", refreshed)
	}
	if len(refreshed.Unavailable) != 2 {
		t.Fatalf("both models should go transiently unavailable: %+v", refreshed.Unavailable)
	}

	o.Apply(ev)
	if !o.ProviderDown(1) {
		t.Fatalf("provider should be marked down")
	}
	if len(o.AvailableModels()) != 0 {
		t.Fatalf("down provider's models must leave the available set")
	}
	// History stays resolvable.
	if _, ok := o.Model(10); !ok {
		t.Fatalf("transient unavailability must not drop the model record")
	}
	if len(st.deprecated) != 0 {
		t.Fatalf("fetch failure must not deprecate anything durably")
	}
}

func TestDownProviderRevivesOnSuccessfulProbe(t *testing.T) {
	st := newFakeStore()
	client := &scriptedClient{
		reply:   echoReply,
		catalog: func() (map[string]chat.Model, error) { return nil, errors.New("connection refused") },
	}
	o := newCatalogOrchestrator(st, client)

	o.RefreshCatalog(true)
	o.Apply(nextEvent(t, o))
	if !o.ProviderDown(1) {
		t.Fatalf("setup: provider should be down")
	}

	client.catalog = catalogOf(1, "keep", "old")
	o.RefreshCatalog(true)
	ev := nextEvent(t, o)
	refreshed := ev.(CatalogRefreshed)
	if len(refreshed.RevivedIDs) != 1 || refreshed.RevivedIDs[0] != 1 {
		t.Fatalf("provider should be revived: %+v", refreshed)
	}

	o.Apply(ev)
	if o.ProviderDown(1) {
		t.Fatalf("provider should be back up")
	}
	if len(o.AvailableModels()) != 2 {
		t.Fatalf("revived provider's models should be selectable again: %+v", o.AvailableModels())
	}
}

func TestFailedProbeStaysDownQuietly(t *testing.T) {
	st := newFakeStore()
	client := &scriptedClient{
		reply:   echoReply,
		catalog: func() (map[string]chat.Model, error) { return nil, errors.New("connection refused") },
	}
	o := newCatalogOrchestrator(st, client)

	o.RefreshCatalog(true)
	o.Apply(nextEvent(t, o))
	o.RefreshCatalog(true)
	ev := nextEvent(t, o)
	refreshed := ev.(CatalogRefreshed)
	if len(refreshed.DownIDs) != 0 || len(refreshed.RevivedIDs) != 0 {
		t.Fatalf("failed probe should not re-report the provider: %+v", refreshed)
	}
	o.Apply(ev)
	if !o.ProviderDown(1) {
		t.Fatalf("provider should remain down")
	}
}
