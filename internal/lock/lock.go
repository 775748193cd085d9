// Package lock enforces the single-instance rule: two daemons polling the
// same trigger files would double-dispatch every request.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"

	"github.com/agentos/agentos/internal/common/config"
)

// Lock holds the instance lock and its PID file for the daemon's lifetime.
type Lock struct {
	flock   *flock.Flock
	pidFile string
}

// Acquire takes the instance lock, failing when another daemon holds it.
// The PID file beside it is informational; the flock is the authority.
func Acquire(cfg config.LockConfig) (*Lock, error) {
	if dir := filepath.Dir(cfg.File); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create lock directory: %w", err)
		}
	}

	fl := flock.New(cfg.File)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire instance lock %s: %w", cfg.File, err)
	}
	if !locked {
		return nil, fmt.Errorf("another instance holds the lock %s", cfg.File)
	}

	l := &Lock{flock: fl, pidFile: cfg.PIDFile}
	if cfg.PIDFile != "" {
		if err := os.WriteFile(cfg.PIDFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
			_ = fl.Unlock()
			return nil, fmt.Errorf("failed to write pid file %s: %w", cfg.PIDFile, err)
		}
	}
	return l, nil
}

// Release drops the lock and removes the PID file.
func (l *Lock) Release() {
	if l.pidFile != "" {
		_ = os.Remove(l.pidFile)
	}
	_ = l.flock.Unlock()
}
