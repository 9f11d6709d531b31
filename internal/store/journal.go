package store

import (
	"fmt"
	"time"
)

type BootstrapAttempt struct {
	ID         string
	StartedAt  time.Time
	FinishedAt *time.Time
	Phase      string
	Percent    int
	Message    *string
	Error      *string
}

type ProcessEvent struct {
	ID        int64
	Timestamp time.Time
	Name      string
	Event     string
	Detail    *string
}

func (s *Store) BeginAttempt(id string) error {
	_, err := s.db.Exec("INSERT INTO bootstrap_attempts (id) VALUES (?)", id)
	if err != nil {
		return fmt.Errorf("begin attempt: %w", err)
	}
	return nil
}

func (s *Store) UpdateAttempt(id, phase string, percent int, message string) error {
	_, err := s.db.Exec(`UPDATE bootstrap_attempts
		SET phase = ?, percent = ?, message = ? WHERE id = ?`,
		phase, percent, message, id)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	return nil
}

// FinishAttempt closes the attempt; errMsg nil means success.
func (s *Store) FinishAttempt(id string, errMsg *string) error {
	_, err := s.db.Exec(`UPDATE bootstrap_attempts
		SET finished_at = CURRENT_TIMESTAMP, error = ? WHERE id = ?`,
		errMsg, id)
	if err != nil {
		return fmt.Errorf("finish attempt: %w", err)
	}
	return nil
}

func (s *Store) LatestAttempt() (*BootstrapAttempt, error) {
	a := &BootstrapAttempt{}
	err := s.db.QueryRow(`SELECT id, started_at, finished_at, phase, percent, message, error
		FROM bootstrap_attempts ORDER BY started_at DESC, id DESC LIMIT 1`).
		Scan(&a.ID, &a.StartedAt, &a.FinishedAt, &a.Phase, &a.Percent, &a.Message, &a.Error)
	if err != nil {
		return nil, fmt.Errorf("latest attempt: %w", err)
	}
	return a, nil
}

func (s *Store) RecentAttempts(limit int) ([]*BootstrapAttempt, error) {
	rows, err := s.db.Query(`SELECT id, started_at, finished_at, phase, percent, message, error
		FROM bootstrap_attempts ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent attempts: %w", err)
	}
	defer rows.Close()
	var attempts []*BootstrapAttempt
	for rows.Next() {
		a := &BootstrapAttempt{}
		if err := rows.Scan(&a.ID, &a.StartedAt, &a.FinishedAt, &a.Phase, &a.Percent, &a.Message, &a.Error); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (s *Store) AppendProcessEvent(name, event string, detail *string) error {
	_, err := s.db.Exec("INSERT INTO process_events (name, event, detail) VALUES (?, ?, ?)",
		name, event, detail)
	if err != nil {
		return fmt.Errorf("append process event: %w", err)
	}
	return nil
}

func (s *Store) RecentProcessEvents(limit int) ([]*ProcessEvent, error) {
	rows, err := s.db.Query(`SELECT id, timestamp, name, event, detail
		FROM process_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent process events: %w", err)
	}
	defer rows.Close()
	var events []*ProcessEvent
	for rows.Next() {
		e := &ProcessEvent{}
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Name, &e.Event, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan process event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
