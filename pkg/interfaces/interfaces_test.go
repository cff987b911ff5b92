package interfaces_test

import (
	"context"
	"testing"
	"time"

	"partyboard/pkg/interfaces"
	"partyboard/pkg/types"
)

type mockStore struct{}

func (m *mockStore) CreateSession(ctx context.Context, session *types.Session) error { return nil }
func (m *mockStore) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	return nil, interfaces.ErrSessionNotFound
}
func (m *mockStore) CommitIfVersion(ctx context.Context, next *types.Session, expectedVersion int64) (bool, error) {
	return true, nil
}
func (m *mockStore) DeleteIfVersion(ctx context.Context, sessionID string, expectedVersion int64) (bool, error) {
	return true, nil
}
func (m *mockStore) ListExpired(ctx context.Context, createdBefore, idleBefore time.Time) ([]string, error) {
	return nil, nil
}
func (m *mockStore) ListSessions(ctx context.Context, filter types.ListFilter) ([]*types.Session, error) {
	return nil, nil
}
func (m *mockStore) HealthCheck(ctx context.Context) error { return nil }
func (m *mockStore) Close() error                          { return nil }

type mockProvisioner struct{}

func (m *mockProvisioner) Provision(ctx context.Context, sessionID string, refs []string) (string, error) {
	return "room-" + sessionID, nil
}
func (m *mockProvisioner) Teardown(ctx context.Context, roomRef string) error { return nil }

type mockConnection struct{}

func (m *mockConnection) WriteJSON(v interface{}) error { return nil }
func (m *mockConnection) Close() error                  { return nil }
func (m *mockConnection) ID() string                    { return "c1" }
func (m *mockConnection) SessionFilter() string         { return "" }

func TestInterfaces_ArchitecturalCompliance(t *testing.T) {
	var _ interfaces.SessionStore = &mockStore{}
	var _ interfaces.RoomProvisioner = &mockProvisioner{}
	var _ interfaces.Connection = &mockConnection{}
}

func TestSessionStore_NotFoundContract(t *testing.T) {
	var store interfaces.SessionStore = &mockStore{}
	_, err := store.GetSession(context.Background(), "missing")
	if err != interfaces.ErrSessionNotFound {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}
