package room

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"partyboard/pkg/interfaces"
)

// StatusError is a non-2xx answer from the room service.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("room service %s: status %d: %s", e.Op, e.Code, e.Body)
}

// Temporary reports whether retrying the same request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// HTTPProvisioner talks to an external room service:
//
//	POST   {base}/rooms        {"session_id": ..., "participants": [...]} -> {"room_ref": ...}
//	DELETE {base}/rooms/{ref}
//
// The session id is sent as Idempotency-Key so the service can collapse
// duplicate provisioning requests into one room.
type HTTPProvisioner struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ interfaces.RoomProvisioner = (*HTTPProvisioner)(nil)

// NewHTTPProvisioner creates a client for the room service at baseURL.
// token is sent as a bearer token when non-empty.
func NewHTTPProvisioner(baseURL, token string, timeout time.Duration) *HTTPProvisioner {
	return &HTTPProvisioner{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type provisionRequest struct {
	SessionID    string   `json:"session_id"`
	Participants []string `json:"participants"`
}

type provisionResponse struct {
	RoomRef string `json:"room_ref"`
}

// Provision creates (or returns the existing) room for sessionID.
func (p *HTTPProvisioner) Provision(ctx context.Context, sessionID string, participantRefs []string) (string, error) {
	body, err := json.Marshal(provisionRequest{SessionID: sessionID, Participants: participantRefs})
	if err != nil {
		return "", fmt.Errorf("failed to encode provision request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/rooms", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", sessionID)
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("room service provision: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", statusError("provision", resp)
	}

	var out provisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode provision response: %w", err)
	}
	if out.RoomRef == "" {
		return "", errors.New("room service returned an empty room ref")
	}
	return out.RoomRef, nil
}

// Teardown deletes a room. A room that no longer exists is reported as
// interfaces.ErrRoomNotFound.
func (p *HTTPProvisioner) Teardown(ctx context.Context, roomRef string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+"/rooms/"+url.PathEscape(roomRef), nil)
	if err != nil {
		return err
	}
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("room service teardown: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return interfaces.ErrRoomNotFound
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	}
	return statusError("teardown", resp)
}

func (p *HTTPProvisioner) authorize(req *http.Request) {
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
}

func statusError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}

// MemoryProvisioner keeps rooms in memory. It is used when no room service
// is configured and in tests. Provision is idempotent per session id.
type MemoryProvisioner struct {
	mu      sync.Mutex
	rooms   map[string]string // room ref -> session id
	bySess  map[string]string // session id -> room ref
	created int
}

var _ interfaces.RoomProvisioner = (*MemoryProvisioner)(nil)

// NewMemoryProvisioner creates an empty in-memory room registry.
func NewMemoryProvisioner() *MemoryProvisioner {
	return &MemoryProvisioner{rooms: make(map[string]string), bySess: make(map[string]string)}
}

// Provision returns the room for sessionID, creating it on first use.
func (p *MemoryProvisioner) Provision(ctx context.Context, sessionID string, participantRefs []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ref, ok := p.bySess[sessionID]; ok {
		return ref, nil
	}
	p.created++
	ref := fmt.Sprintf("room-%s-%d", sessionID, p.created)
	p.rooms[ref] = sessionID
	p.bySess[sessionID] = ref
	return ref, nil
}

// Teardown removes a room.
func (p *MemoryProvisioner) Teardown(ctx context.Context, roomRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	sessionID, ok := p.rooms[roomRef]
	if !ok {
		return interfaces.ErrRoomNotFound
	}
	delete(p.rooms, roomRef)
	delete(p.bySess, sessionID)
	return nil
}

// Active returns the number of rooms currently alive.
func (p *MemoryProvisioner) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rooms)
}
