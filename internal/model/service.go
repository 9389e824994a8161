package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ServiceIdentity is one service registered on a TopChef server.
type ServiceIdentity struct {
	ID          string `json:"id"`
	Address     string `json:"address"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// ServiceRegistration is the payload used to create a new service.
type ServiceRegistration struct {
	Name                  string          `json:"name"`
	Description           string          `json:"description"`
	JobRegistrationSchema json.RawMessage `json:"job_registration_schema"`
	JobResultSchema       json.RawMessage `json:"job_result_schema"`
}

// ParseServiceID normalises a service identifier. TopChef issues UUIDs.
func ParseServiceID(s string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid service id %q: %w", s, err)
	}
	return id.String(), nil
}
