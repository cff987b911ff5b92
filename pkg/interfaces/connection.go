package interfaces

// Connection represents a push-feed client connection
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// keeps the feed broadcaster testable without a real WebSocket
type Connection interface {
	// WriteJSON sends a JSON message to the client (thread-safe)
	WriteJSON(v interface{}) error

	// Close closes the connection and cleans up resources
	Close() error

	// ID returns the connection identifier assigned at upgrade time
	ID() string

	// SessionFilter returns the session this connection watches, or "" for all
	SessionFilter() string
}
