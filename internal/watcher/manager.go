package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/handler"
)

// ErrSyncInProgress is returned when a notification arrives for a principal
// whose previous run has not finished. The trigger is expected to redeliver.
var ErrSyncInProgress = errors.New("sync already in progress for principal")

// MailboxFactory builds a principal-bound mailbox client.
type MailboxFactory func(ctx context.Context, principal string) (Mailbox, error)

// RegistryFactory builds the action registry for one run, bound to the run's
// mailbox so attachment-fetching actions share its credentials.
type RegistryFactory func(mailbox Mailbox) *handler.Registry

// PrincipalLister enumerates the principals known to the system.
type PrincipalLister interface {
	Principals(ctx context.Context) ([]string, error)
}

// ManagerConfig wires a Manager's collaborators.
type ManagerConfig struct {
	Mailboxes       MailboxFactory
	Registry        RegistryFactory
	Handlers        handler.Store
	DefaultHandlers []handler.Document
	Checkpoints     CheckpointStore
	Watches         WatchStore
	Principals      PrincipalLister
	Topic           string
	Log             *slog.Logger
}

// Manager serializes sync runs per principal and owns watch registration
// refresh. It holds no cross-principal mutable state beyond the in-flight
// guard; different principals sync concurrently.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewManager(cfg ManagerConfig) *Manager {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cfg: cfg, log: log, inFlight: make(map[string]struct{})}
}

// Sync runs one synchronization pass for the principal up to the notified
// cursor. A second call for the same principal while one is running returns
// ErrSyncInProgress; the checkpoint store's monotonic guard protects the
// cursor even if a caller races past this.
func (m *Manager) Sync(ctx context.Context, principal string, notified Cursor) error {
	m.mu.Lock()
	if _, busy := m.inFlight[principal]; busy {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSyncInProgress, principal)
	}
	m.inFlight[principal] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.inFlight, principal)
		m.mu.Unlock()
	}()

	mailbox, err := m.cfg.Mailboxes(ctx, principal)
	if err != nil {
		return fmt.Errorf("build mailbox for %q: %w", principal, err)
	}

	// Handler configuration errors abort here, before any mailbox I/O.
	handlers, err := handler.Load(ctx, m.cfg.Handlers, m.cfg.Registry(mailbox), principal, m.cfg.DefaultHandlers)
	if err != nil {
		return err
	}

	coordinator := &Coordinator{
		Principal:   principal,
		Mailbox:     mailbox,
		Checkpoints: m.cfg.Checkpoints,
		Handlers:    handlers,
		Log:         m.log,
	}
	return coordinator.Run(ctx, notified)
}

// RefreshWatches re-registers the push notification watch for every known
// principal and records the returned cursor and expiration. Failures for one
// principal do not stop the others; all errors are reported joined.
func (m *Manager) RefreshWatches(ctx context.Context) error {
	principals, err := m.cfg.Principals.Principals(ctx)
	if err != nil {
		return fmt.Errorf("list principals: %w", err)
	}

	var errs []error
	for _, principal := range principals {
		if err := m.refreshWatch(ctx, principal); err != nil {
			m.log.Error("watch refresh failed", "principal", principal, "error", err)
			errs = append(errs, fmt.Errorf("refresh watch for %q: %w", principal, err))
			continue
		}
		m.log.Info("watch refreshed", "principal", principal)
	}
	return errors.Join(errs...)
}

func (m *Manager) refreshWatch(ctx context.Context, principal string) error {
	mailbox, err := m.cfg.Mailboxes(ctx, principal)
	if err != nil {
		return err
	}
	historyID, expiration, err := mailbox.Watch(ctx, m.cfg.Topic)
	if err != nil {
		return err
	}
	return m.cfg.Watches.SaveWatch(ctx, principal, historyID, expiration)
}
