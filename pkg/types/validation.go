package types

import (
	"regexp"
	"unicode/utf8"
)

// Bounds shared by validation and the state machine.
const (
	MinCapacity       = 2
	MaxCapacity       = 16
	MaxTitleLen       = 100
	MaxDescriptionLen = 500
	MaxDisplayNameLen = 100
	maxUserRefLen     = 64
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for better performance in high-frequency validation scenarios
var userRefRegex = regexp.MustCompile(`^[a-zA-Z0-9_:-]+$`)

// IsValidUserRef checks if an external user identity meets format requirements.
// Chat-platform snowflakes and prefixed refs ("discord:1234") both pass.
func IsValidUserRef(ref string) bool {
	if len(ref) < 1 || len(ref) > maxUserRefLen {
		return false
	}
	return userRefRegex.MatchString(ref)
}

// IsValidTitle checks title length in characters, not bytes.
func IsValidTitle(title string) bool {
	n := utf8.RuneCountInString(title)
	return n >= 1 && n <= MaxTitleLen
}

// IsValidDescription checks description length in characters.
func IsValidDescription(desc string) bool {
	return utf8.RuneCountInString(desc) <= MaxDescriptionLen
}

// IsValidCapacity checks the slot count bounds.
func IsValidCapacity(capacity int) bool {
	return capacity >= MinCapacity && capacity <= MaxCapacity
}

// Validate ensures the session satisfies the structural invariants.
// ARCHITECTURAL DISCOVERY: Validation at type level ensures consistency
// across the state machine, the store and the HTTP layer
func (s *Session) Validate() error {
	if !IsValidTitle(s.Title) {
		return ErrInvalidTitle
	}
	if !IsValidDescription(s.Description) {
		return ErrInvalidDescription
	}
	if !IsValidUserRef(s.OwnerRef) {
		return ErrInvalidUserRef
	}
	if !IsValidCapacity(s.Capacity) {
		return ErrInvalidCapacity
	}
	if s.Occupied < 1 || s.Occupied > s.Capacity {
		return ErrInvalidOccupancy
	}
	if !s.Status.Valid() {
		return ErrInvalidStatus
	}
	if s.Occupied != len(s.Participants)+1 {
		return ErrMemberCountDrift
	}

	seen := make(map[string]bool, len(s.Participants))
	for _, p := range s.Participants {
		if p.UserRef == s.OwnerRef {
			return ErrOwnerAsMember
		}
		if seen[p.UserRef] {
			return ErrDuplicateMember
		}
		seen[p.UserRef] = true
	}
	return nil
}

// IsValidDisplayName checks display name length in characters.
func IsValidDisplayName(name string) bool {
	return utf8.RuneCountInString(name) <= MaxDisplayNameLen
}
