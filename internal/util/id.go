package util

import "github.com/google/uuid"

// NewID returns a random UUID, optionally prefixed ("cl_<uuid>") for ids
// that never reach a uuid column.
func NewID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// IsUUID reports whether value parses as a UUID.
func IsUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}
