// Package credpool rotates upstream credentials on a fixed schedule.
//
// The pool only tracks an ordinal cursor over the active credential list.
// Membership is re-read from the Source on every observation; when the
// number of active credentials changes the cursor restarts at 0, since
// individual members are not tracked across refreshes.
package credpool

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ninawilliansoc/cursor-api-reforged/internal/logging"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/metrics"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/storage"
)

// Source supplies the active credentials in rotation order.
type Source interface {
	ListActiveCredentials() ([]storage.Credential, error)
}

// Status is a point-in-time view of the rotation state.
type Status struct {
	Active        int        `json:"active"`
	Cursor        int        `json:"cursor"`
	CurrentID     string     `json:"current_id,omitempty"`
	CurrentName   string     `json:"current_name,omitempty"`
	LastRotatedAt *time.Time `json:"last_rotated_at,omitempty"`
}

type Pool struct {
	src     Source
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu            sync.Mutex
	creds         []storage.Credential
	cursor        int
	lastSeen      int
	lastRotatedAt time.Time
}

func New(src Source, logger *zap.Logger, m *metrics.Metrics) *Pool {
	return &Pool{
		src:     src,
		logger:  logging.OrNop(logger).With(logging.Component("credpool")),
		metrics: m,
		now:     time.Now,
	}
}

// SetClock replaces the pool's time source.
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// PeekCurrent refreshes the snapshot and returns the credential under the
// cursor without advancing it. ok is false when no credential is active.
func (p *Pool) PeekCurrent() (cred storage.Credential, ok bool, err error) {
	creds, err := p.fetch()
	if err != nil {
		return storage.Credential{}, false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.observe(creds)
	if len(p.creds) == 0 {
		return storage.Credential{}, false, nil
	}
	return p.creds[p.cursor], true, nil
}

// Tick refreshes the snapshot and advances the cursor by one. With no
// active credentials it resets the rotation state and does nothing else.
func (p *Pool) Tick() error {
	_, _, err := p.advance()
	return err
}

// Advance rotates immediately and returns the new current credential.
func (p *Pool) Advance() (storage.Credential, bool, error) {
	return p.advance()
}

func (p *Pool) advance() (storage.Credential, bool, error) {
	creds, err := p.fetch()
	if err != nil {
		return storage.Credential{}, false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.observe(creds)
	if len(p.creds) == 0 {
		p.cursor = 0
		p.lastSeen = 0
		return storage.Credential{}, false, nil
	}
	p.cursor = (p.cursor + 1) % len(p.creds)
	p.lastRotatedAt = p.now()
	p.metrics.RecordRotation()

	cur := p.creds[p.cursor]
	p.logger.Debug("credential rotated",
		zap.Int("cursor", p.cursor),
		zap.Int("active", len(p.creds)),
		logging.CredentialID(cur.ID),
	)
	return cur, true, nil
}

// Reset clears the cursor and the remembered set size.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = 0
	p.lastSeen = 0
	p.logger.Info("rotation state reset")
}

// ActiveCount returns the size of the most recently observed active set.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{Active: len(p.creds), Cursor: p.cursor}
	if len(p.creds) > 0 {
		st.CurrentID = p.creds[p.cursor].ID
		st.CurrentName = p.creds[p.cursor].Name
	}
	if !p.lastRotatedAt.IsZero() {
		t := p.lastRotatedAt
		st.LastRotatedAt = &t
	}
	return st
}

func (p *Pool) fetch() ([]storage.Credential, error) {
	creds, err := p.src.ListActiveCredentials()
	if err != nil {
		return nil, fmt.Errorf("listing active credentials: %w", err)
	}
	return creds, nil
}

// observe installs a fresh snapshot. Callers hold p.mu.
func (p *Pool) observe(creds []storage.Credential) {
	p.creds = creds
	if len(creds) != p.lastSeen {
		if p.lastSeen != 0 || p.cursor != 0 {
			p.logger.Info("active credential count changed, cursor reset",
				zap.Int("previous", p.lastSeen),
				zap.Int("active", len(creds)),
			)
		}
		p.cursor = 0
		p.lastSeen = len(creds)
	}
	if p.cursor >= len(creds) {
		p.cursor = 0
	}
	p.metrics.SetActiveCredentials(len(creds))
}
