package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Device operations
	SaveDevice(dev *Device) error
	GetDevice(serial string) (*Device, error)
	DeleteDevice(serial string) error
	ListDevices() ([]*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(serial string, fn func(dev *Device) error) error

	// Threshold registrations, so armed triggers survive a restart.
	SaveThreshold(th *Threshold) error
	DeleteThreshold(serial, triggerID string) error
	ListThresholds() ([]*Threshold, error)

	// Blade baselines persist the reset point for blade work time.
	SaveBladeBaseline(serial string, seconds int) error
	GetBladeBaseline(serial string) (int, error)

	// Close the store
	Close() error
}
