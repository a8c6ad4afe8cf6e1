package orchestrator

import "polychat/internal/chat"

// SplitViews projects a chat's flat chronological log into one transcript per
// bound model: user turns are shared context and appear in every view, while
// each assistant turn appears only in the view of the model that produced it.
//
// Assistant turns from models no longer bound to the chat fall out of every
// view; they stay in the durable log but are never resurrected. The split is
// recomputed from scratch whenever a chat is (re)loaded, so it must be
// deterministic for a given log.
func SplitViews(log []chat.Message, modelIDs []int64) map[int64][]chat.Message {
	views := make(map[int64][]chat.Message, len(modelIDs))
	for _, modelID := range modelIDs {
		view := make([]chat.Message, 0, len(log))
		for _, msg := range log {
			if msg.ModelID == nil {
				view = append(view, msg)
				continue
			}
			if *msg.ModelID == modelID {
				view = append(view, msg)
			}
		}
		views[modelID] = view
	}
	return views
}
