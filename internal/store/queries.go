package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SaveQuery appends an answered question or comparison to the audit trail.
func (s *Store) SaveQuery(ctx context.Context, q *QueryRecord) error {
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = s.timestamp()
	}
	if q.Kind == "" {
		q.Kind = "ask"
	}

	vendorIDs, err := json.Marshal(nonNil(q.VendorIDs))
	if err != nil {
		return fmt.Errorf("marshalling vendor ids: %w", err)
	}
	citations, err := json.Marshal(nonNil(q.Citations))
	if err != nil {
		return fmt.Errorf("marshalling citations: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO query_records (id, kind, query, vendor_ids, citations, confidence, processing_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, q.ID, q.Kind, q.Query, string(vendorIDs), string(citations), q.Confidence, q.ProcessingTimeMS,
		formatTime(q.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting query record: %w", err)
	}
	return nil
}

// RecentQueries returns the latest audit records, newest first.
func (s *Store) RecentQueries(ctx context.Context, limit int) ([]QueryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, query, vendor_ids, citations, confidence, processing_time_ms, created_at
		FROM query_records ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying query records: %w", err)
	}
	defer rows.Close()

	var records []QueryRecord
	for rows.Next() {
		var (
			q                         QueryRecord
			vendorIDs, cites, created string
		)
		if err := rows.Scan(&q.ID, &q.Kind, &q.Query, &vendorIDs, &cites, &q.Confidence,
			&q.ProcessingTimeMS, &created); err != nil {
			return nil, fmt.Errorf("scanning query record: %w", err)
		}
		if err := json.Unmarshal([]byte(vendorIDs), &q.VendorIDs); err != nil {
			return nil, fmt.Errorf("unmarshalling vendor ids: %w", err)
		}
		if err := json.Unmarshal([]byte(cites), &q.Citations); err != nil {
			return nil, fmt.Errorf("unmarshalling citations: %w", err)
		}
		q.CreatedAt = parseTime(created)
		records = append(records, q)
	}
	return records, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
