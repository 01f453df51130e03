package deployment

import "sync"

// LockManager hands out one lock per app so two runs never deploy the same
// app at once while different apps proceed in parallel.
//
// mu guards the map only; each app's mutex guards its runs.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockManager creates a new lock manager
func NewLockManager() *LockManager {
	return &LockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

// TryLock takes the app's lock without blocking. It returns false when a
// run for the app is already in progress.
func (lm *LockManager) TryLock(app string) bool {
	lm.mu.Lock()
	lock, exists := lm.locks[app]
	if !exists {
		lock = &sync.Mutex{}
		lm.locks[app] = lock
	}
	lm.mu.Unlock()

	return lock.TryLock()
}

// Unlock releases the app's lock. Unknown apps are ignored.
func (lm *LockManager) Unlock(app string) {
	lm.mu.Lock()
	lock := lm.locks[app]
	lm.mu.Unlock()

	if lock != nil {
		lock.Unlock()
	}
}
