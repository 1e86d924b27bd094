package backend

import "sync"

// ZoneLocks serializes whole-zone read-modify-write sequences per zone
// name. Providers whose upstream only exposes full record-set updates take
// the zone's lock for the duration of the read-modify-write to prevent
// lost updates across concurrent proxy requests.
type ZoneLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewZoneLocks creates an empty lock table.
func NewZoneLocks() *ZoneLocks {
	return &ZoneLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for a zone, creating it on first use. The
// returned function releases it.
func (z *ZoneLocks) Lock(zone string) (unlock func()) {
	z.mu.Lock()
	lock, ok := z.locks[zone]
	if !ok {
		lock = &sync.Mutex{}
		z.locks[zone] = lock
	}
	z.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
