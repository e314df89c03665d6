package monitor

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/nexusio/nexus/updater/internal/hashstore"
	"github.com/nexusio/nexus/util"
)

// State of a watched path
type State int

const (
	NeverSeen State = iota
	TriggeredPending
	Settled
)

func (s State) String() string {
	switch s {
	case NeverSeen:
		return "never-seen"
	case TriggeredPending:
		return "triggered-pending"
	case Settled:
		return "settled"
	default:
		return "unknown"
	}
}

// Monitor decides whether a watched file changed since it was last handled
type Monitor struct {
	mu        sync.Mutex
	path      string
	store     *hashstore.Store
	log       *log.Entry
	firstTime bool
	pending   bool
	seen      bool
}

// New creates a monitor for path backed by store
func New(path string, store *hashstore.Store, logger *log.Entry) *Monitor {
	return &Monitor{
		path:      path,
		store:     store,
		log:       logger.WithField("watched", path),
		firstTime: true,
	}
}

// InitialInstall records the current hash of the watched path. It is used on a fresh host.
func (m *Monitor) InitialInstall() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !util.FileExists(m.path) {
		return fmt.Errorf("%w: %s", hashstore.ErrNotFound, m.path)
	}

	hash, err := hashstore.ComputeHash(m.path)
	if err != nil {
		return err
	}

	if err := m.store.StoreHash(m.path, hash); err != nil {
		return err
	}

	m.firstTime = false
	m.pending = true
	m.seen = true
	return nil
}

// ShouldTrigger reports whether the watched file needs handling.
// On trigger the new hash is persisted immediately.
func (m *Monitor) ShouldTrigger() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := hashstore.ComputeHash(m.path)
	if err != nil {
		if errors.Is(err, hashstore.ErrNotFound) {
			m.log.Warnf("watched file does not exist")
			return false, nil
		}
		return false, err
	}

	stored, ok := m.store.GetStoredHash(m.path)
	switch {
	case !ok && m.firstTime:
		m.log.Infof("first observation, triggering")
	case ok && stored != current:
		m.log.Infof("content changed, triggering")
	default:
		return false, nil
	}

	if err := m.store.StoreHash(m.path, current); err != nil {
		return false, err
	}

	m.firstTime = false
	m.pending = true
	m.seen = true
	return true, nil
}

// AcknowledgeHandled marks the last trigger as handled. The store is not touched.
func (m *Monitor) AcknowledgeHandled() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending = false
}

// State returns the current state
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.pending:
		return TriggeredPending
	case m.seen:
		return Settled
	default:
		return NeverSeen
	}
}
