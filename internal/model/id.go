package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string. Workers use it as their instance identifier.
func NewID() string {
	return ulid.Make().String()
}
