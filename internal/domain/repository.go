package domain

import (
	"context"
	"time"
)

// Transport is an open byte channel to the generator.
// Implementation: go.bug.st/serial port.
type Transport interface {
	// Write sends raw bytes.
	Write(p []byte) (int, error)

	// ReadAvailable returns whatever the device has buffered, waiting at most
	// the transport read timeout. An empty slice means no reply.
	ReadAvailable() ([]byte, error)

	// Close releases the port.
	Close() error
}

// TransportOpener opens a Transport on a named port.
type TransportOpener interface {
	Open(port string) (Transport, error)
}

// DeviceProbe is one discovery strategy.
// Implementations: USB enumeration by VID/PID, serial port identification.
type DeviceProbe interface {
	// Name returns the probe name ("usb", "serial").
	Name() string

	// Discover returns devices currently attached and answering.
	Discover(ctx context.Context) ([]DeviceDescriptor, error)
}

// HostSampler reports health of the machine running the controller.
// Implementation: gopsutil.
type HostSampler interface {
	Sample() HostStats
}

// SessionRecordStore persists finished sessions.
type SessionRecordStore interface {
	// SaveSessionRecord inserts or replaces a record by session id.
	SaveSessionRecord(ctx context.Context, rec SessionRecord) error

	// ListSessionRecords returns newest first. Empty patientID lists all.
	ListSessionRecords(ctx context.Context, patientID string, limit int) ([]SessionRecord, error)
}

// SafetyEventStore is the durable audit trail of safety events.
type SafetyEventStore interface {
	AppendSafetyEvent(ctx context.Context, ev SafetyEvent) error

	// ListSafetyEvents returns events at or after since, newest first.
	ListSafetyEvents(ctx context.Context, since time.Time, limit int) ([]SafetyEvent, error)
}

// EventPublisher forwards events to an external sink (MQTT, Redis, Kafka).
type EventPublisher interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// KeyProvider abstracts the source of the store encryption key.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}
