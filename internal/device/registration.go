// Package device holds the agent's identity: registration against the relay
// REST API and the session tokens attached to outbound session requests.
package device

import (
	"time"

	"github.com/google/uuid"
)

// Status is the device presence state attached to outbound signaling.
type Status string

const (
	StatusOnline    Status = "online"
	StatusOffline   Status = "offline"
	StatusInSession Status = "in-session"
)

// Registration is the persisted device identity. The registration key is
// issued out of band and signs every session token this device mints.
type Registration struct {
	DeviceID  string
	Name      string
	Key       string
	CreatedAt time.Time
}

// NewRegistration mints a fresh identity for first boot.
func NewRegistration(name, key string) Registration {
	return Registration{
		DeviceID:  uuid.New().String(),
		Name:      name,
		Key:       key,
		CreatedAt: time.Now(),
	}
}
