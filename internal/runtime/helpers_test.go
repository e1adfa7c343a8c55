package runtime

import (
	"github.com/qaforge/orchestrator-core/internal/eventbus"
	"github.com/qaforge/orchestrator-core/internal/reslock"
	"github.com/qaforge/orchestrator-core/internal/storage"
	"github.com/qaforge/orchestrator-core/internal/telemetry"
)

func newMemStore() *storage.MemoryStore { return storage.NewMemoryStore() }

func newBus(store *storage.MemoryStore) *eventbus.Bus { return eventbus.New(store) }

func newLocks(store *storage.MemoryStore, bus *eventbus.Bus) *reslock.Manager {
	return reslock.New(store, bus)
}

func noTelemetry() telemetry.Telemetry { return telemetry.Telemetry{} }
