package cmd

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/mediadl/mediadl/internal/config"
)

var (
	instanceLock   *flock.Flock
	instanceLockMu sync.Mutex
)

func lockPath() string {
	return filepath.Join(config.GetRuntimeDir(), "mediadl.lock")
}

// AcquireLock takes the single-instance lock without blocking. It reports
// false when another process holds it.
func AcquireLock() (bool, error) {
	instanceLockMu.Lock()
	defer instanceLockMu.Unlock()

	if instanceLock != nil && instanceLock.Locked() {
		return true, nil
	}

	fl := flock.New(lockPath())
	locked, err := fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to lock %s: %w", fl.Path(), err)
	}
	if !locked {
		return false, nil
	}
	instanceLock = fl
	return true, nil
}

// ReleaseLock drops the single-instance lock if this process holds it.
func ReleaseLock() error {
	instanceLockMu.Lock()
	defer instanceLockMu.Unlock()

	if instanceLock == nil {
		return nil
	}
	err := instanceLock.Unlock()
	instanceLock = nil
	return err
}
