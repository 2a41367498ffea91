package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrNoRenewalToken means the session cannot be restored silently.
var ErrNoRenewalToken = errors.New("no renewal token")

const renewKey = "renew"

// Listener observes every Set and Clear. ok is false after Clear.
type Listener func(cred Credential, ok bool)

// RenewalSource reports whether a renewal token is available. The token itself stays in the
// cookie jar and travels with the exchange request.
type RenewalSource interface {
	HasRenewalToken() bool
}

// Exchanger trades the renewal token for a fresh access token.
type Exchanger interface {
	Exchange(ctx context.Context) (string, error)
}

// ExchangeFunc adapts a function to Exchanger.
type ExchangeFunc func(ctx context.Context) (string, error)

// Exchange calls f.
func (f ExchangeFunc) Exchange(ctx context.Context) (string, error) { return f(ctx) }

type listenerEntry struct {
	id uint64
	fn Listener
}

// Store is the process-wide holder of the current access credential. Construct one per session.
type Store struct {
	mu        sync.RWMutex
	current   *Credential
	listeners []listenerEntry
	nextID    uint64

	source    RenewalSource
	exchanger Exchanger
	group     singleflight.Group

	now    func() time.Time
	leeway time.Duration
	logger *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithLeeway treats credentials expiring within d as already expired.
func WithLeeway(d time.Duration) StoreOption {
	return func(s *Store) { s.leeway = d }
}

// NewStore creates an empty Store. source and exchanger may be nil, in which case Renew always
// ends the session.
func NewStore(log *slog.Logger, source RenewalSource, exchanger Exchanger, opts ...StoreOption) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		source:    source,
		exchanger: exchanger,
		now:       time.Now,
		logger:    log.With(slog.String("component", "credential_store")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the current credential.
func (s *Store) Get() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Credential{}, false
	}
	return *s.current, true
}

// Valid reports whether c may be attached to an outbound call right now.
func (s *Store) Valid(c Credential) bool {
	return !c.ExpiredAt(s.now(), s.leeway)
}

// Set replaces the current credential and notifies subscribers before returning.
func (s *Store) Set(c Credential) {
	s.mu.Lock()
	s.current = &c
	s.mu.Unlock()
	s.notify(c, true)
}

// SetToken parses token and installs it.
func (s *Store) SetToken(token string) (Credential, error) {
	c, err := ParseCredential(token)
	if err != nil {
		return Credential{}, err
	}
	s.Set(c)
	return c, nil
}

// Clear drops the current credential and notifies subscribers.
func (s *Store) Clear() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	s.notify(Credential{}, false)
}

// Subscribe registers l and returns its unsubscribe function. Listeners run in registration order.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: l})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			kept := make([]listenerEntry, 0, len(s.listeners))
			for _, entry := range s.listeners {
				if entry.id != id {
					kept = append(kept, entry)
				}
			}
			s.listeners = kept
		})
	}
}

func (s *Store) notify(c Credential, ok bool) {
	s.mu.RLock()
	snapshot := make([]listenerEntry, len(s.listeners))
	copy(snapshot, s.listeners)
	s.mu.RUnlock()

	for _, entry := range snapshot {
		entry.fn(c, ok)
	}
}

// Renew exchanges the renewal token for a new credential. Concurrent callers share a single
// exchange and observe the same outcome. On any failure the credential is cleared and ok is false.
func (s *Store) Renew(ctx context.Context) (Credential, bool) {
	c, err := s.RenewErr(ctx)
	return c, err == nil
}

// RenewErr is Renew with the failure cause.
func (s *Store) RenewErr(ctx context.Context) (Credential, error) {
	// The shared exchange must outlive any single caller's cancellation.
	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan(renewKey, func() (any, error) {
		return s.renew(shared)
	})
	select {
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	}
}

func (s *Store) renew(ctx context.Context) (Credential, error) {
	if s.source == nil || s.exchanger == nil || !s.source.HasRenewalToken() {
		s.logger.Info("renewal token absent, ending session")
		s.Clear()
		return Credential{}, ErrNoRenewalToken
	}
	token, err := s.exchanger.Exchange(ctx)
	if err != nil {
		s.logger.Warn("credential renewal failed", slog.Any("error", err))
		s.Clear()
		return Credential{}, fmt.Errorf("renew credential: %w", err)
	}
	c, err := ParseCredential(token)
	if err != nil {
		s.logger.Warn("renewed credential rejected", slog.Any("error", err))
		s.Clear()
		return Credential{}, fmt.Errorf("renew credential: %w", err)
	}
	s.Set(c)
	s.logger.Debug("credential renewed", slog.Time("expires_at", c.ExpiresAt))
	return c, nil
}
