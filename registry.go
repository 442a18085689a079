package leg_controller

import (
	"io"
	"sync"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/pkg/errors"
)

// BusSettings identifies a serial bus and how to talk to it.
type BusSettings struct {
	Port     string
	BaudRate int
	Timeout  time.Duration
}

type busEntry[B io.Closer] struct {
	bus      B
	settings BusSettings
	refCount int
}

// BusRegistry hands out one shared bus per serial port and closes it when its last user
// releases it.
type BusRegistry[B io.Closer] struct {
	mu      sync.Mutex
	entries map[string]*busEntry[B] // port path -> entry
	open    func(BusSettings) (B, error)
}

// NewBusRegistry returns a registry that opens buses with open.
func NewBusRegistry[B io.Closer](open func(BusSettings) (B, error)) *BusRegistry[B] {
	return &BusRegistry[B]{
		entries: make(map[string]*busEntry[B]),
		open:    open,
	}
}

// Acquire returns the bus for settings.Port, opening it on first use. Callers must Release
// every bus they acquire.
func (r *BusRegistry[B]) Acquire(settings BusSettings) (B, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[settings.Port]; ok {
		if entry.settings.BaudRate != settings.BaudRate {
			var zero B
			return zero, errors.Errorf("conflict: port %s already open at %d baud (refCount: %d)",
				settings.Port, entry.settings.BaudRate, entry.refCount)
		}
		entry.refCount++
		return entry.bus, nil
	}

	bus, err := r.open(settings)
	if err != nil {
		var zero B
		return zero, errors.Wrapf(err, "failed to open bus on %s", settings.Port)
	}
	r.entries[settings.Port] = &busEntry[B]{bus: bus, settings: settings, refCount: 1}
	return bus, nil
}

// Release drops one reference to the bus on port, closing it when none remain.
func (r *BusRegistry[B]) Release(port string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[port]
	if !ok {
		return nil
	}
	entry.refCount--
	if entry.refCount > 0 {
		return nil
	}
	delete(r.entries, port)
	return entry.bus.Close()
}

// ForceClose closes the bus on port regardless of outstanding references.
func (r *BusRegistry[B]) ForceClose(port string) error {
	r.mu.Lock()
	entry, ok := r.entries[port]
	delete(r.entries, port)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return entry.bus.Close()
}

// Status reports the reference count of the bus on port and whether it is open.
func (r *BusRegistry[B]) Status(port string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[port]
	if !ok {
		return 0, false
	}
	return entry.refCount, true
}

func openFeetechBus(settings BusSettings) (*feetech.Bus, error) {
	if settings.Timeout == 0 {
		settings.Timeout = time.Second
	}
	if settings.BaudRate == 0 {
		settings.BaudRate = defaultBaudRate
	}
	return feetech.NewBus(feetech.BusConfig{
		Port:     settings.Port,
		BaudRate: settings.BaudRate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  settings.Timeout,
	})
}

var globalRegistry = NewBusRegistry(openFeetechBus)
