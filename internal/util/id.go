package util

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewThreadID returns a random UUID.
func NewThreadID() string {
	return uuid.NewString()
}

// NewMessageID returns a ULID, so ids sort in creation order within a process.
func NewMessageID() string {
	return ulid.Make().String()
}

func NewConnID(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "_" + uuid.NewString()
}
