// Package session holds the recruitment session state machine. Everything in
// this package is pure: no I/O, no clocks beyond the timestamp carried by the
// operation, no shared state.
package session

import (
	"fmt"
	"time"

	"partyboard/pkg/types"
)

// Result is the outcome of an accepted transition.
// Next is nil when the session was deleted.
type Result struct {
	Prev    *types.Session
	Next    *types.Session
	Deleted bool
}

// Transition computes the next snapshot for op applied to snapshot, or a
// *RejectedError describing why op is not allowed. The input snapshot is
// never modified.
func Transition(snapshot *types.Session, op Op) (Result, error) {
	if snapshot == nil {
		return Result{}, ErrNilSnapshot
	}
	if op.Actor.Ref == "" {
		return Result{}, ErrInvalidActor
	}

	next := snapshot.Clone()
	var err error

	switch op.Kind {
	case OpJoin:
		err = applyJoin(next, op)
	case OpLeave:
		err = applyLeave(next, op)
	case OpClose:
		err = applyEnd(next, op, types.StatusClosed)
	case OpCancel:
		err = applyEnd(next, op, types.StatusCancelled)
	case OpDelete:
		if !mayAdminister(snapshot, op.Actor) {
			return Result{}, reject(op.Kind, ReasonForbidden)
		}
		return Result{Prev: snapshot, Deleted: true}, nil
	case OpUpdate:
		err = applyUpdate(next, op)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownOp, op.Kind)
	}
	if err != nil {
		return Result{}, err
	}

	next.Version = snapshot.Version + 1
	if !op.At.IsZero() {
		next.UpdatedAt = op.At
	}

	// An invariant failure here is a defect in this package, never a value to clamp.
	if err := checkInvariants(next); err != nil {
		return Result{}, err
	}
	return Result{Prev: snapshot, Next: next}, nil
}

func applyJoin(s *types.Session, op Op) error {
	user := op.Actor.Ref
	switch {
	case user == s.OwnerRef:
		return reject(op.Kind, ReasonSelfJoin)
	case s.Status != types.StatusOpen:
		return rejectf(op.Kind, ReasonNotOpen, "status is %s", s.Status)
	case s.Occupied >= s.Capacity:
		return reject(op.Kind, ReasonFull)
	case s.HasMember(user):
		return reject(op.Kind, ReasonDuplicate)
	}

	s.Participants = append(s.Participants, types.Participant{
		UserRef:     user,
		DisplayName: op.Actor.Name,
		JoinedAt:    op.At,
	})
	s.Occupied++

	// Filling the last slot is the only path into ongoing,
	// and it is the trigger the room lifecycle manager watches for
	if s.Occupied == s.Capacity {
		s.Status = types.StatusOngoing
		s.RoomEverFilled = true
	}
	return nil
}

func applyLeave(s *types.Session, op Op) error {
	if !s.RemoveMember(op.Actor.Ref) {
		return reject(op.Kind, ReasonNotMember)
	}
	s.Occupied--

	// Only capacity-derived states re-open. Explicit close and cancel stick.
	if s.Status == types.StatusOngoing && !s.ClosedExplicitly && s.Occupied < s.Capacity {
		s.Status = types.StatusOpen
	}
	return nil
}

func applyEnd(s *types.Session, op Op, target types.Status) error {
	if op.Actor.Ref != s.OwnerRef {
		return reject(op.Kind, ReasonForbidden)
	}
	if s.Status.Terminal() {
		return rejectf(op.Kind, ReasonAlreadyClosed, "status is %s", s.Status)
	}
	s.Status = target
	s.ClosedExplicitly = true
	return nil
}

func applyUpdate(s *types.Session, op Op) error {
	if !mayAdminister(s, op.Actor) {
		return reject(op.Kind, ReasonForbidden)
	}
	p := op.Patch
	if p.Empty() {
		return rejectf(op.Kind, ReasonInvalidPatch, "empty patch")
	}

	if p.Title != nil {
		if !types.IsValidTitle(*p.Title) {
			return rejectf(op.Kind, ReasonInvalidPatch, "%v", types.ErrInvalidTitle)
		}
		s.Title = *p.Title
	}
	if p.Description != nil {
		if !types.IsValidDescription(*p.Description) {
			return rejectf(op.Kind, ReasonInvalidPatch, "%v", types.ErrInvalidDescription)
		}
		s.Description = *p.Description
	}
	if p.RankFilter != nil {
		s.RankFilter = *p.RankFilter
	}
	if p.MessageRef != nil {
		s.MessageRef = *p.MessageRef
	}
	if p.ChannelRef != nil {
		s.ChannelRef = *p.ChannelRef
	}
	if p.RoomRef != nil {
		if !op.Actor.IsSystem() {
			return rejectf(op.Kind, ReasonForbidden, "room ref is managed by the system")
		}
		return applyRoomRef(s, op.Kind, *p.RoomRef)
	}
	return nil
}

// applyRoomRef enforces that a room reference exists only between the first
// fill and the completed teardown, and is never reused afterwards.
func applyRoomRef(s *types.Session, kind OpKind, ref string) error {
	if ref == "" {
		if s.RoomRef != "" {
			s.RoomRef = ""
			s.RoomRetired = true
		}
		return nil
	}
	switch {
	case !s.RoomEverFilled:
		return rejectf(kind, ReasonInvalidPatch, "session never reached capacity")
	case s.RoomRetired:
		return rejectf(kind, ReasonInvalidPatch, "room already retired")
	case s.RoomRef != "" && s.RoomRef != ref:
		return rejectf(kind, ReasonInvalidPatch, "room ref already set")
	}
	s.RoomRef = ref
	return nil
}

func mayAdminister(s *types.Session, actor Actor) bool {
	return actor.IsSystem() || actor.Ref == s.OwnerRef
}

func checkInvariants(s *types.Session) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	if s.Status == types.StatusOngoing && s.Occupied != s.Capacity {
		return fmt.Errorf("%w: ongoing with %d/%d", ErrInvariant, s.Occupied, s.Capacity)
	}
	if s.Status == types.StatusOpen && (s.Occupied == s.Capacity || s.ClosedExplicitly) {
		return fmt.Errorf("%w: open with %d/%d explicit=%v", ErrInvariant, s.Occupied, s.Capacity, s.ClosedExplicitly)
	}
	if s.RoomRef != "" && (!s.RoomEverFilled || s.RoomRetired) {
		return fmt.Errorf("%w: room ref outside provisioned window", ErrInvariant)
	}
	return nil
}

// Draft carries the caller-supplied fields of an open request.
type Draft struct {
	Title       string
	Description string
	Game        string
	Platform    string
	RankFilter  string
	Capacity    int
	ChannelRef  string
}

// Open builds the initial snapshot for a new session: the owner occupies the
// first slot, status is open and Version is 1.
func Open(id string, owner Actor, d Draft, at time.Time) (*types.Session, error) {
	if owner.IsSystem() {
		return nil, reject("open", ReasonForbidden)
	}
	s := &types.Session{
		ID:          id,
		Title:       d.Title,
		Description: d.Description,
		Game:        d.Game,
		Platform:    d.Platform,
		RankFilter:  d.RankFilter,
		Capacity:    d.Capacity,
		Occupied:    1,
		Status:      types.StatusOpen,
		OwnerRef:    owner.Ref,
		OwnerName:   owner.Name,
		ChannelRef:  d.ChannelRef,
		CreatedAt:   at,
		UpdatedAt:   at,
		Version:     1,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
