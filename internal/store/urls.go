package store

import (
	"context"
	"fmt"
)

// UpsertDiscoveredURL records url for a vendor. It reports whether the URL
// was new; an existing row is left untouched.
func (s *Store) UpsertDiscoveredURL(ctx context.Context, vendorID, url string, depth int, sourceURL string, origin URLOrigin) (bool, error) {
	now := formatTime(s.timestamp())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO discovered_urls (vendor_id, url, depth, source_url, origin, status, discovered_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)
		ON CONFLICT(vendor_id, url) DO NOTHING
	`, vendorID, url, depth, sourceURL, string(origin), now, now)
	if err != nil {
		return false, fmt.Errorf("upserting discovered url: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkURL records the outcome of a fetch attempt.
func (s *Store) MarkURL(ctx context.Context, vendorID, url string, status URLStatus, attempts int, lastErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE discovered_urls SET status = ?, attempts = ?, last_error = ?, updated_at = ?
		WHERE vendor_id = ? AND url = ?
	`, string(status), attempts, lastErr, formatTime(s.timestamp()), vendorID, url)
	if err != nil {
		return fmt.Errorf("marking url: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetURLs starts a new crawl cycle: every URL of the vendor becomes pending again.
func (s *Store) ResetURLs(ctx context.Context, vendorID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE discovered_urls SET status = 'pending', attempts = 0, last_error = '', updated_at = ?
		WHERE vendor_id = ?
	`, formatTime(s.timestamp()), vendorID)
	if err != nil {
		return fmt.Errorf("resetting urls: %w", err)
	}
	return nil
}

// ListURLs returns the vendor's discovered URLs ordered by depth then URL.
func (s *Store) ListURLs(ctx context.Context, vendorID string) ([]DiscoveredURL, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT vendor_id, url, depth, source_url, origin, status, attempts, last_error, discovered_at, updated_at
		FROM discovered_urls WHERE vendor_id = ?
		ORDER BY depth, url
	`, vendorID)
	if err != nil {
		return nil, fmt.Errorf("querying urls: %w", err)
	}
	defer rows.Close()

	var urls []DiscoveredURL
	for rows.Next() {
		var (
			u                   DiscoveredURL
			origin, status      string
			discovered, updated string
		)
		if err := rows.Scan(&u.VendorID, &u.URL, &u.Depth, &u.SourceURL, &origin, &status, &u.Attempts,
			&u.LastError, &discovered, &updated); err != nil {
			return nil, fmt.Errorf("scanning url: %w", err)
		}
		u.Origin = URLOrigin(origin)
		u.Status = URLStatus(status)
		u.DiscoveredAt = parseTime(discovered)
		u.UpdatedAt = parseTime(updated)
		urls = append(urls, u)
	}
	return urls, rows.Err()
}
