package types

import (
	"time"
)

// Status is the lifecycle state of a recruitment session.
type Status string

// ARCHITECTURAL DISCOVERY: Status values are stored verbatim in SQLite and sent
// verbatim to web and bot feeds, so the strings are part of the wire contract
const (
	StatusOpen      Status = "open"
	StatusOngoing   Status = "ongoing"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status can no longer change by capacity.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusOngoing, StatusClosed, StatusCancelled:
		return true
	}
	return false
}

// Session is a capacity-bounded recruitment instance.
// FUNCTIONAL DISCOVERY: Session values are treated as immutable snapshots;
// every mutation produces a new value with Version+1 and is committed
// conditionally on the previous Version
type Session struct {
	ID          string `json:"id" db:"id"`
	Title       string `json:"title" db:"title"`
	Description string `json:"description" db:"description"`
	Game        string `json:"game" db:"game"`
	Platform    string `json:"platform" db:"platform"`
	RankFilter  string `json:"rank_filter" db:"rank_filter"`

	Capacity         int    `json:"capacity" db:"capacity"`
	Occupied         int    `json:"occupied" db:"occupied"`
	Status           Status `json:"status" db:"status"`
	ClosedExplicitly bool   `json:"closed_explicitly" db:"closed_explicitly"`

	OwnerRef     string        `json:"owner_ref" db:"owner_ref"`
	OwnerName    string        `json:"owner_name" db:"owner_name"`
	Participants []Participant `json:"participants"`

	RoomRef        string `json:"room_ref,omitempty" db:"room_ref"`
	RoomEverFilled bool   `json:"room_ever_filled" db:"room_ever_filled"`
	RoomRetired    bool   `json:"room_retired" db:"room_retired"`
	MessageRef     string `json:"message_ref,omitempty" db:"message_ref"`
	ChannelRef     string `json:"channel_ref,omitempty" db:"channel_ref"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
	Version   int64     `json:"version" db:"version"`
}

// Participant is an active membership of a non-owner user in a session.
type Participant struct {
	UserRef     string    `json:"user_ref" db:"user_ref"`
	DisplayName string    `json:"display_name" db:"display_name"`
	JoinedAt    time.Time `json:"joined_at" db:"joined_at"`
}

// Patch is the whitelisted metadata update applied by the update operation.
// Nil fields are left untouched. An empty RoomRef clears the room reference.
type Patch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	RankFilter  *string `json:"rank_filter,omitempty"`
	RoomRef     *string `json:"room_ref,omitempty"`
	MessageRef  *string `json:"message_ref,omitempty"`
	ChannelRef  *string `json:"channel_ref,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p *Patch) Empty() bool {
	return p == nil || (p.Title == nil && p.Description == nil && p.RankFilter == nil &&
		p.RoomRef == nil && p.MessageRef == nil && p.ChannelRef == nil)
}

// ListFilter selects sessions for the list operation.
// Empty fields match everything; an empty Statuses slice matches any status.
type ListFilter struct {
	Game     string   `json:"game,omitempty"`
	Platform string   `json:"platform,omitempty"`
	Statuses []Status `json:"statuses,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

// Clone returns a deep copy of the session.
// TECHNICAL DISCOVERY: Participants slice must be copied, otherwise a transition
// computed from a cached snapshot would alias the stored one
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Participants != nil {
		c.Participants = make([]Participant, len(s.Participants))
		copy(c.Participants, s.Participants)
	}
	return &c
}

// HasMember reports whether userRef holds an active membership.
func (s *Session) HasMember(userRef string) bool {
	return s.memberIndex(userRef) >= 0
}

// MemberRefs returns owner plus participants, owner first.
func (s *Session) MemberRefs() []string {
	refs := make([]string, 0, len(s.Participants)+1)
	refs = append(refs, s.OwnerRef)
	for _, p := range s.Participants {
		refs = append(refs, p.UserRef)
	}
	return refs
}

// RemoveMember drops userRef from the participant set and reports whether it was present.
func (s *Session) RemoveMember(userRef string) bool {
	i := s.memberIndex(userRef)
	if i < 0 {
		return false
	}
	s.Participants = append(s.Participants[:i:i], s.Participants[i+1:]...)
	return true
}

func (s *Session) memberIndex(userRef string) int {
	for i, p := range s.Participants {
		if p.UserRef == userRef {
			return i
		}
	}
	return -1
}
