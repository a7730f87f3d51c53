// Package instance registers running bridge instances in a shared directory
// so sibling processes and local tooling can find them. Writes are guarded
// by a file lock and performed via temp-file+rename so a concurrent reader
// never observes a half-written record.
package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

const (
	dirMode  = 0755
	fileMode = 0644
	lockName = ".registry.lock"
)

// Instance is one running bridge process.
type Instance struct {
	ID            string    `json:"id"`
	PID           int       `json:"pid"`
	Executable    string    `json:"executable"`
	RelayPort     int       `json:"relay_port"`
	DiscoveryPort int       `json:"discovery_port"`
	TabID         int       `json:"tab_id,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	LastPing      time.Time `json:"last_ping"`
}

// Registry manages instance records in a shared directory.
type Registry struct {
	dir         string
	lockTimeout time.Duration

	mu        sync.RWMutex
	watcher   *fsnotify.Watcher
	callbacks []func(map[string]*Instance)
}

// NewRegistry creates a registry rooted at dir, creating it if needed.
func NewRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("create instances directory: %w", err)
	}
	return &Registry{dir: dir, lockTimeout: 30 * time.Second}, nil
}

// NewInstance builds a record for the current process.
func NewInstance(relayPort, discoveryPort int) *Instance {
	exe, _ := os.Executable()
	now := time.Now()
	return &Instance{
		ID:            uuid.NewString(),
		PID:           os.Getpid(),
		Executable:    exe,
		RelayPort:     relayPort,
		DiscoveryPort: discoveryPort,
		StartedAt:     now,
		LastPing:      now,
	}
}

// Register writes the instance record.
func (r *Registry) Register(inst *Instance) error {
	if inst.ID == "" {
		return fmt.Errorf("instance missing ID")
	}
	return r.withLock(func() error {
		return r.writeInstance(inst)
	})
}

// Ping refreshes the last-ping timestamp of an existing record.
func (r *Registry) Ping(id string) error {
	return r.withLock(func() error {
		inst, err := r.readInstance(id)
		if err != nil {
			return err
		}
		inst.LastPing = time.Now()
		return r.writeInstance(inst)
	})
}

// Unregister removes the instance record. Missing files are not an error.
func (r *Registry) Unregister(id string) error {
	return r.withLock(func() error {
		path := filepath.Join(r.dir, id+".json")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
}

// Get reads one instance record.
func (r *Registry) Get(id string) (*Instance, error) {
	var inst *Instance
	err := r.withLock(func() error {
		var readErr error
		inst, readErr = r.readInstance(id)
		return readErr
	})
	return inst, err
}

// List returns all readable instance records keyed by id. Corrupt records
// are skipped, not fatal.
func (r *Registry) List() (map[string]*Instance, error) {
	instances := make(map[string]*Instance)
	err := r.withLock(func() error {
		entries, err := os.ReadDir(r.dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || filepath.Ext(name) != ".json" {
				continue
			}
			inst, err := r.readInstance(name[:len(name)-5])
			if err != nil {
				continue
			}
			instances[inst.ID] = inst
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return instances, nil
}

// Stale reports records whose last ping is older than maxAge, typically
// leftovers from crashed processes.
func (r *Registry) Stale(maxAge time.Duration) ([]*Instance, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	var stale []*Instance
	cutoff := time.Now().Add(-maxAge)
	for _, inst := range all {
		if inst.LastPing.Before(cutoff) {
			stale = append(stale, inst)
		}
	}
	return stale, nil
}

// Watch starts notifying fn with the full instance set whenever a record
// changes. Call Close to stop.
func (r *Registry) Watch(fn func(map[string]*Instance)) error {
	r.mu.Lock()
	r.callbacks = append(r.callbacks, fn)
	alreadyWatching := r.watcher != nil
	r.mu.Unlock()
	if alreadyWatching {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return err
	}

	r.mu.Lock()
	r.watcher = watcher
	r.mu.Unlock()

	go r.watchLoop(watcher)
	return nil
}

func (r *Registry) watchLoop(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) {
				r.notify()
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (r *Registry) notify() {
	instances, err := r.List()
	if err != nil {
		return
	}
	r.mu.RLock()
	callbacks := append([]func(map[string]*Instance){}, r.callbacks...)
	r.mu.RUnlock()
	for _, fn := range callbacks {
		fn(instances)
	}
}

// Close stops the watcher if one is running.
func (r *Registry) Close() error {
	r.mu.Lock()
	watcher := r.watcher
	r.watcher = nil
	r.mu.Unlock()
	if watcher != nil {
		return watcher.Close()
	}
	return nil
}

// withLock runs fn while holding the registry's exclusive file lock.
func (r *Registry) withLock(fn func() error) error {
	fileLock := flock.New(filepath.Join(r.dir, lockName))

	ctx, cancel := context.WithTimeout(context.Background(), r.lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire registry lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("registry lock not acquired within %v", r.lockTimeout)
	}
	defer fileLock.Unlock()

	return fn()
}

func (r *Registry) readInstance(id string) (*Instance, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, id+".json"))
	if err != nil {
		return nil, err
	}
	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("unmarshal instance %s: %w", id, err)
	}
	if inst.ID == "" {
		return nil, fmt.Errorf("instance %s missing ID", id)
	}
	return &inst, nil
}

// writeInstance writes via temp file + rename so readers never see a
// partial record. Must be called with the lock held.
func (r *Registry) writeInstance(inst *Instance) error {
	data, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(r.dir, ".tmp-instance-")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	tmp = nil

	if err := os.Chmod(tmpPath, fileMode); err != nil {
		return err
	}
	return os.Rename(tmpPath, filepath.Join(r.dir, inst.ID+".json"))
}
