package storage

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
)

const ruleColumns = `id, pattern, description, classification, created_at, updated_at`

// CreateErrorRule appends r to the end of the evaluation order. Pattern
// validity is the caller's concern.
func (s *Store) CreateErrorRule(r ErrorRule) (ErrorRule, error) {
	if strings.TrimSpace(r.Pattern) == "" {
		return ErrorRule{}, errors.New("pattern is required")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := s.timestamp()
	_, err := s.db.Exec(`
		INSERT INTO error_rules (id, pattern, description, classification, position, created_at, updated_at)
		VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM error_rules), ?, ?)`,
		r.ID, r.Pattern, r.Description, r.Classification, now, now,
	)
	if err != nil {
		return ErrorRule{}, mapConstraint(err)
	}
	return s.GetErrorRule(r.ID)
}

func (s *Store) GetErrorRule(id string) (ErrorRule, error) {
	r, err := scanRule(s.db.QueryRow(`SELECT `+ruleColumns+` FROM error_rules WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return ErrorRule{}, ErrNotFound
	}
	return r, err
}

// ListErrorRules returns all rules in evaluation order.
func (s *Store) ListErrorRules() ([]ErrorRule, error) {
	rows, err := s.db.Query(`SELECT ` + ruleColumns + ` FROM error_rules ORDER BY position ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ErrorRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateErrorRule(id string, u ErrorRuleUpdate) (ErrorRule, error) {
	r, err := s.GetErrorRule(id)
	if err != nil {
		return ErrorRule{}, err
	}
	if u.Pattern != nil {
		r.Pattern = *u.Pattern
	}
	if u.Description != nil {
		r.Description = *u.Description
	}
	if u.Classification != nil {
		r.Classification = *u.Classification
	}
	if _, err := s.db.Exec(`UPDATE error_rules SET pattern = ?, description = ?, classification = ?, updated_at = ? WHERE id = ?`,
		r.Pattern, r.Description, r.Classification, s.timestamp(), id); err != nil {
		return ErrorRule{}, err
	}
	return s.GetErrorRule(id)
}

func (s *Store) DeleteErrorRule(id string) error {
	return s.deleteByID("error_rules", id)
}

func scanRule(row scanner) (ErrorRule, error) {
	var r ErrorRule
	var createdAt, updatedAt string
	if err := row.Scan(&r.ID, &r.Pattern, &r.Description, &r.Classification, &createdAt, &updatedAt); err != nil {
		return ErrorRule{}, err
	}
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return ErrorRule{}, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ErrorRule{}, err
	}
	return r, nil
}
