package interfaces

import "context"

// RoomProvisioner is the external collaborator that creates and destroys
// shared voice rooms.
// FUNCTIONAL DISCOVERY: Provision must be idempotent per sessionID so that a
// retried or duplicated request never yields two rooms for one session
type RoomProvisioner interface {
	Provision(ctx context.Context, sessionID string, participantRefs []string) (string, error)
	Teardown(ctx context.Context, roomRef string) error
}
