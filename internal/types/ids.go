// Package types holds the small identifier types shared across the
// mission core.
package types

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ID identifies a mission or event row. It is a UUID in canonical string
// form; the zero value is empty and invalid. Obtain one with NewID or
// ParseID.
type ID string

// NewID returns a freshly generated ID.
func NewID() ID {
	return ID(uuid.NewString())
}

// ParseID validates s as a UUID and normalizes it to canonical form.
func ParseID(s string) (ID, error) {
	if s == "" {
		return "", fmt.Errorf("ID cannot be empty")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID format: %w", err)
	}
	return ID(u.String()), nil
}

// Validate reports whether the ID is a well-formed UUID.
func (id ID) Validate() error {
	_, err := ParseID(string(id))
	return err
}

func (id ID) String() string {
	return string(id)
}

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool {
	return id == ""
}

// MarshalJSON encodes an unset ID as null so optional references stay
// optional on the wire.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON accepts null or the empty string as the zero ID and
// validates everything else.
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to unmarshal ID: %w", err)
	}
	if s == "" {
		*id = ""
		return nil
	}

	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
