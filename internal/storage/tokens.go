package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	maxRecentIPs  = 100
	ipDedupWindow = time.Hour
)

const tokenColumns = `id, name, value, expires_at, rate_limit_enabled, queue_priority, premium, usage_count, created_at, updated_at`

// CreateCallerToken stores t, generating an id and a 32-byte hex value when
// they are empty.
func (s *Store) CreateCallerToken(t CallerToken) (CallerToken, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Value == "" {
		v, err := randomHex(32)
		if err != nil {
			return CallerToken{}, fmt.Errorf("generating token value: %w", err)
		}
		t.Value = v
	}
	now := s.timestamp()
	_, err := s.db.Exec(`
		INSERT INTO caller_tokens (`+tokenColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		t.ID, t.Name, t.Value, nullableTime(t.ExpiresAt), t.RateLimitEnabled, t.QueuePriority, t.Premium, now, now,
	)
	if err != nil {
		return CallerToken{}, mapConstraint(err)
	}
	return s.GetCallerToken(t.ID)
}

// GetCallerToken returns the token with its recent IP history.
func (s *Store) GetCallerToken(id string) (CallerToken, error) {
	t, err := scanToken(s.db.QueryRow(`SELECT `+tokenColumns+` FROM caller_tokens WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return CallerToken{}, ErrNotFound
	}
	if err != nil {
		return CallerToken{}, err
	}
	if t.RecentIPs, err = s.recentIPs(id); err != nil {
		return CallerToken{}, err
	}
	return t, nil
}

// ListCallerTokens returns all tokens, newest first, without IP history.
func (s *Store) ListCallerTokens() ([]CallerToken, error) {
	rows, err := s.db.Query(`SELECT ` + tokenColumns + ` FROM caller_tokens ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallerToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ValidateCallerToken looks a token up by value. It returns ErrNotFound for
// unknown values and ErrExpired for tokens past their expiration.
func (s *Store) ValidateCallerToken(value string) (CallerToken, error) {
	t, err := scanToken(s.db.QueryRow(`SELECT `+tokenColumns+` FROM caller_tokens WHERE value = ?`, value))
	if err == sql.ErrNoRows {
		return CallerToken{}, ErrNotFound
	}
	if err != nil {
		return CallerToken{}, err
	}
	if t.Expired(s.now()) {
		return t, ErrExpired
	}
	return t, nil
}

func (s *Store) UpdateCallerToken(id string, u CallerTokenUpdate) (CallerToken, error) {
	t, err := s.GetCallerToken(id)
	if err != nil {
		return CallerToken{}, err
	}
	if u.Name != nil {
		t.Name = *u.Name
	}
	if u.ClearExpiration {
		t.ExpiresAt = nil
	} else if u.ExpiresAt != nil {
		t.ExpiresAt = u.ExpiresAt
	}
	if u.RateLimitEnabled != nil {
		t.RateLimitEnabled = *u.RateLimitEnabled
	}
	if u.QueuePriority != nil {
		t.QueuePriority = *u.QueuePriority
	}
	if u.Premium != nil {
		t.Premium = *u.Premium
	}
	_, err = s.db.Exec(`
		UPDATE caller_tokens SET name = ?, expires_at = ?, rate_limit_enabled = ?, queue_priority = ?, premium = ?, updated_at = ?
		WHERE id = ?`,
		t.Name, nullableTime(t.ExpiresAt), t.RateLimitEnabled, t.QueuePriority, t.Premium, s.timestamp(), id,
	)
	if err != nil {
		return CallerToken{}, err
	}
	return s.GetCallerToken(id)
}

// DeleteCallerToken removes the token and its IP history.
func (s *Store) DeleteCallerToken(id string) error {
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM caller_tokens WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrNotFound
		}
		_, err = tx.Exec(`DELETE FROM token_ips WHERE token_id = ?`, id)
		return err
	})
}

// RecordUsage increments the token's usage count and remembers ip. An ip
// already seen within the last hour is not recorded again, and only the
// newest entries are kept.
func (s *Store) RecordUsage(id, ip string) error {
	now := s.now()
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE caller_tokens SET usage_count = usage_count + 1 WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrNotFound
		}
		if ip == "" {
			return nil
		}

		var recent int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM token_ips WHERE token_id = ? AND ip = ? AND seen_at > ?`,
			id, ip, formatTime(now.Add(-ipDedupWindow))).Scan(&recent); err != nil {
			return err
		}
		if recent > 0 {
			return nil
		}
		if _, err := tx.Exec(`INSERT INTO token_ips (token_id, ip, seen_at) VALUES (?, ?, ?)`, id, ip, formatTime(now)); err != nil {
			return err
		}
		_, err = tx.Exec(`
			DELETE FROM token_ips WHERE token_id = ? AND id NOT IN (
				SELECT id FROM token_ips WHERE token_id = ? ORDER BY seen_at DESC, id DESC LIMIT ?
			)`, id, id, maxRecentIPs)
		return err
	})
}

func (s *Store) recentIPs(id string) ([]IPEntry, error) {
	rows, err := s.db.Query(`SELECT ip, seen_at FROM token_ips WHERE token_id = ? ORDER BY seen_at DESC, id DESC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IPEntry
	for rows.Next() {
		var e IPEntry
		var seenAt string
		if err := rows.Scan(&e.IP, &seenAt); err != nil {
			return nil, err
		}
		if e.SeenAt, err = parseTime(seenAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanToken(row scanner) (CallerToken, error) {
	var t CallerToken
	var expiresAt sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.Name, &t.Value, &expiresAt, &t.RateLimitEnabled, &t.QueuePriority,
		&t.Premium, &t.UsageCount, &createdAt, &updatedAt)
	if err != nil {
		return CallerToken{}, err
	}
	if expiresAt.Valid && expiresAt.String != "" {
		e, err := parseTime(expiresAt.String)
		if err != nil {
			return CallerToken{}, err
		}
		t.ExpiresAt = &e
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return CallerToken{}, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return CallerToken{}, err
	}
	return t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
