package websocket

import (
	"time"

	"partyboard/internal/hub"
	"partyboard/pkg/types"
)

// Message types sent on the feed.
const (
	TypeSnapshot = "recruitment_snapshot"
	TypeCreated  = "recruitment_created"
	TypeUpdate   = "recruitment_update"
	TypeDeleted  = "recruitment_deleted"
)

// Message is one feed frame.
type Message struct {
	Type      string              `json:"type"`
	SessionID string              `json:"sessionId"`
	Data      *types.FeedSnapshot `json:"data,omitempty"`
	Version   int64               `json:"version"`
	Timestamp time.Time           `json:"timestamp"`
}

// SnapshotMessage is sent to a per-session watcher right after it connects.
func SnapshotMessage(s *types.Session) Message {
	snap := types.NewFeedSnapshot(s)
	return Message{
		Type:      TypeSnapshot,
		SessionID: s.ID,
		Data:      &snap,
		Version:   s.Version,
		Timestamp: time.Now().UTC(),
	}
}

// MessageFromEvent maps a bus event to its feed frame. Deleted frames carry
// no data.
func MessageFromEvent(ev hub.Event) Message {
	msg := Message{
		SessionID: ev.SessionID,
		Version:   ev.Version,
		Timestamp: ev.At,
	}
	switch ev.Kind {
	case hub.EventCreated:
		msg.Type = TypeCreated
	case hub.EventDeleted:
		msg.Type = TypeDeleted
		return msg
	default:
		msg.Type = TypeUpdate
	}
	snap := types.NewFeedSnapshot(ev.New)
	msg.Data = &snap
	return msg
}
