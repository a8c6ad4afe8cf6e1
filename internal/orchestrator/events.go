package orchestrator

import "polychat/internal/chat"

// Event is a completion notification flowing from an in-flight task back into
// the control loop. All producers share one channel; the control loop is the
// single consumer and the only mutator of the in-memory cache.
type Event interface {
	isEvent()
}

// GenerationDone reports one finished generation, success or failure. The
// message was already appended to the store before the event was emitted.
type GenerationDone struct {
	ChatID   int64
	ModelID  int64
	OriginID int64 // id of the user message that triggered the generation
	Message  chat.Message
}

func (GenerationDone) isEvent() {}

// TitleDone carries a derived chat title. Nothing has been persisted yet; the
// control loop applies it only if the user has not set a title in the
// meantime. An empty Title means derivation failed and only clears the
// pending marker.
type TitleDone struct {
	ChatID int64
	Title  string
}

func (TitleDone) isEvent() {}

// CatalogRefreshed aggregates one full reconciliation pass. Exactly one is
// emitted per pass regardless of how many providers were refreshed.
type CatalogRefreshed struct {
	Added       []chat.Model
	RemovedIDs  []int64
	Unavailable []chat.Model // hidden in memory only, not deprecated
	DownIDs     []int64      // providers whose catalog fetch failed
	RevivedIDs  []int64      // previously down providers that answered again
	RefreshedAt map[int64]int64
}

func (CatalogRefreshed) isEvent() {}
