package session

import (
	"time"

	"partyboard/pkg/types"
)

// OpKind names a mutating operation on a session.
type OpKind string

const (
	OpJoin   OpKind = "join"
	OpLeave  OpKind = "leave"
	OpClose  OpKind = "close"
	OpCancel OpKind = "cancel"
	OpDelete OpKind = "delete"
	OpUpdate OpKind = "update"
)

// Role distinguishes end users from internal actors such as the reaper and
// the room lifecycle manager.
type Role string

const (
	RoleUser   Role = "user"
	RoleSystem Role = "system"
)

// Actor identifies who issued an operation.
type Actor struct {
	Ref  string
	Name string
	Role Role
}

// User returns an end-user actor.
func User(ref, name string) Actor {
	return Actor{Ref: ref, Name: name, Role: RoleUser}
}

// System returns an internal actor; name is used for logs only.
func System(name string) Actor {
	return Actor{Ref: "system:" + name, Name: name, Role: RoleSystem}
}

// IsSystem reports whether the actor is an internal component.
func (a Actor) IsSystem() bool {
	return a.Role == RoleSystem
}

// Op is a single operation to be applied to a snapshot.
// At is the commit timestamp; the coordinator stamps it when zero.
type Op struct {
	Kind  OpKind
	Actor Actor
	Patch *types.Patch
	At    time.Time
}

// Join builds a join operation.
func Join(actor Actor) Op { return Op{Kind: OpJoin, Actor: actor} }

// Leave builds a leave operation.
func Leave(actor Actor) Op { return Op{Kind: OpLeave, Actor: actor} }

// Close builds an explicit close operation.
func Close(actor Actor) Op { return Op{Kind: OpClose, Actor: actor} }

// Cancel builds a cancel operation.
func Cancel(actor Actor) Op { return Op{Kind: OpCancel, Actor: actor} }

// Delete builds a delete operation.
func Delete(actor Actor) Op { return Op{Kind: OpDelete, Actor: actor} }

// Update builds a metadata update operation.
func Update(actor Actor, patch types.Patch) Op {
	return Op{Kind: OpUpdate, Actor: actor, Patch: &patch}
}
