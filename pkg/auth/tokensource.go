package auth

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// RenewFunc obtains a fresh session token and its expiry.
type RenewFunc func(ctx context.Context) (token string, expiry time.Time, err error)

// TokenSource holds the current session token and keeps it fresh for as
// long as the owning process wants it to. The refresh loop is explicit
// state owned by the caller: Start it once on startup, Stop it on
// shutdown, and Pause/Resume it when the application loses and regains
// the foreground. Nothing registers itself globally.
type TokenSource struct {
	renew RenewFunc

	mu     sync.Mutex
	token  string
	expiry time.Time
	paused bool

	cancel context.CancelFunc
	poke   chan struct{}
	done   chan struct{}
}

func NewTokenSource(renew RenewFunc) *TokenSource {
	return &TokenSource{
		renew: renew,
		poke:  make(chan struct{}, 1),
	}
}

// Token returns the current token, renewing synchronously if it has
// expired (or was never fetched).
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.token != "" && time.Now().Before(s.expiry) {
		token := s.token
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	if err := s.refresh(ctx); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *TokenSource) refresh(ctx context.Context) error {
	token, expiry, err := s.renew(ctx)
	if err != nil {
		return errors.Wrap(err, "renew session token")
	}

	s.mu.Lock()
	s.token = token
	s.expiry = expiry
	s.mu.Unlock()
	return nil
}

// Start launches the background refresh loop. The loop renews the token
// when two thirds of its lifetime have elapsed, so callers always hold a
// token with comfortable validity left.
func (s *TokenSource) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop terminates the refresh loop and waits for it to exit. The held
// token stays usable until it expires.
func (s *TokenSource) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Pause suspends background refresh, e.g. while the application is
// backgrounded. Token still renews on demand.
func (s *TokenSource) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume re-enables background refresh and wakes the loop immediately so
// a token that went stale while paused is renewed right away.
func (s *TokenSource) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()

	select {
	case s.poke <- struct{}{}:
	default:
	}
}

func (s *TokenSource) run(ctx context.Context) {
	defer close(s.done)

	for {
		s.mu.Lock()
		paused := s.paused
		expiry := s.expiry
		s.mu.Unlock()

		var wait time.Duration
		switch {
		case paused:
			// Sleep until Resume pokes us.
			wait = time.Hour
		case expiry.IsZero():
			wait = 0
		default:
			// Renew after two thirds of the remaining lifetime.
			wait = time.Until(expiry) * 2 / 3
			if wait < time.Second {
				wait = time.Second
			}
		}

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-s.poke:
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		s.mu.Lock()
		paused = s.paused
		s.mu.Unlock()
		if paused {
			continue
		}

		if err := s.refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Token refresh failed, retrying: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}
