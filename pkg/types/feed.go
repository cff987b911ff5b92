package types

import "time"

// FeedSnapshot is the session view pushed to web clients and chat bots.
// Consumers keep the highest Version they have seen per session and ignore
// anything older, so repeated or late deliveries are harmless.
type FeedSnapshot struct {
	SessionID    string            `json:"sessionId"`
	Title        string            `json:"title"`
	Game         string            `json:"game"`
	Platform     string            `json:"platform"`
	Status       Status            `json:"status"`
	Occupied     int               `json:"occupied"`
	Capacity     int               `json:"capacity"`
	Owner        FeedParticipant   `json:"owner"`
	Participants []FeedParticipant `json:"participants"`
	RoomRef      string            `json:"roomRef,omitempty"`
	MessageRef   string            `json:"messageRef,omitempty"`
	ChannelRef   string            `json:"channelRef,omitempty"`
	Version      int64             `json:"version"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// FeedParticipant is one member in a FeedSnapshot.
type FeedParticipant struct {
	UserRef     string `json:"userRef"`
	DisplayName string `json:"displayName"`
}

// NewFeedSnapshot projects s onto the feed shape. Participants is never nil.
func NewFeedSnapshot(s *Session) FeedSnapshot {
	members := make([]FeedParticipant, 0, len(s.Participants))
	for _, p := range s.Participants {
		members = append(members, FeedParticipant{UserRef: p.UserRef, DisplayName: p.DisplayName})
	}
	return FeedSnapshot{
		SessionID:    s.ID,
		Title:        s.Title,
		Game:         s.Game,
		Platform:     s.Platform,
		Status:       s.Status,
		Occupied:     s.Occupied,
		Capacity:     s.Capacity,
		Owner:        FeedParticipant{UserRef: s.OwnerRef, DisplayName: s.OwnerName},
		Participants: members,
		RoomRef:      s.RoomRef,
		MessageRef:   s.MessageRef,
		ChannelRef:   s.ChannelRef,
		Version:      s.Version,
		UpdatedAt:    s.UpdatedAt,
	}
}
