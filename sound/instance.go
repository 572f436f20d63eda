// Package sound holds the library side of the engine: placed sound
// instances, the library root on disk and whole-file decoding.
package sound

import "github.com/google/uuid"

// Instance is a placement of a library file on a bus. Two instances may
// reference the same file; they are told apart by ID.
type Instance struct {
	ID       uuid.UUID `json:"id"`
	Filename string    `json:"filename"`
}

// NewInstance creates an instance with a fresh ID.
func NewInstance(filename string) Instance {
	return Instance{ID: uuid.New(), Filename: filename}
}
