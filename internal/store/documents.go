package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const documentColumns = `id, vendor_id, url, url_hash, title, document_type, content, content_hash,
	version, is_latest, previous_version_id, http_status, fetched_at, last_crawled_at, index_state`

// SaveDocument stores a fetched page. When the content hash equals that of
// the latest version for the URL only last_crawled_at advances and created is
// false. Otherwise a new version is inserted, linked to and superseding the
// previous one.
func (s *Store) SaveDocument(ctx context.Context, in DocumentInput) (doc *Document, created bool, err error) {
	urlHash := HashURL(in.URL)
	contentHash := HashContent(in.Content)
	fetched := in.FetchedAt
	if fetched.IsZero() {
		fetched = s.timestamp()
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		prev, err := scanDocument(tx.QueryRowContext(ctx,
			"SELECT "+documentColumns+" FROM documents WHERE vendor_id = ? AND url_hash = ? AND is_latest = 1",
			in.VendorID, urlHash))
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		if prev != nil && prev.ContentHash == contentHash {
			if _, err := tx.ExecContext(ctx, "UPDATE documents SET last_crawled_at = ? WHERE id = ?",
				formatTime(fetched), prev.ID); err != nil {
				return fmt.Errorf("refreshing document: %w", err)
			}
			prev.LastCrawledAt = fetched.UTC()
			doc = prev
			return nil
		}

		next := &Document{
			ID:           uuid.New().String(),
			VendorID:     in.VendorID,
			URL:          in.URL,
			URLHash:      urlHash,
			Title:        in.Title,
			DocumentType: in.DocumentType,
			Content:      in.Content,
			ContentHash:  contentHash,
			Version:      1,
			IsLatest:     true,
			HTTPStatus:   in.HTTPStatus,
			FetchedAt:    fetched.UTC(),
			IndexState:   IndexPending,
		}
		next.LastCrawledAt = next.FetchedAt
		if next.DocumentType == "" {
			next.DocumentType = "other"
		}

		if prev != nil {
			next.Version = prev.Version + 1
			next.PreviousVersionID = prev.ID
			if _, err := tx.ExecContext(ctx, "UPDATE documents SET is_latest = 0 WHERE id = ?", prev.ID); err != nil {
				return fmt.Errorf("superseding document: %w", err)
			}
		}

		var prevID interface{}
		if next.PreviousVersionID != "" {
			prevID = next.PreviousVersionID
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (`+documentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?)
		`, next.ID, next.VendorID, next.URL, next.URLHash, next.Title, next.DocumentType, next.Content,
			next.ContentHash, next.Version, prevID, next.HTTPStatus,
			formatTime(next.FetchedAt), formatTime(next.LastCrawledAt), string(next.IndexState)); err != nil {
			return fmt.Errorf("inserting document: %w", err)
		}

		doc, created = next, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return doc, created, nil
}

// GetDocument returns one document version.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	return scanDocument(s.db.QueryRowContext(ctx, "SELECT "+documentColumns+" FROM documents WHERE id = ?", id))
}

// ListDocuments returns a vendor's documents, newest first. With latestOnly
// superseded versions are omitted.
func (s *Store) ListDocuments(ctx context.Context, vendorID string, latestOnly bool) ([]Document, error) {
	query := "SELECT " + documentColumns + " FROM documents WHERE vendor_id = ?"
	if latestOnly {
		query += " AND is_latest = 1"
	}
	query += " ORDER BY url, version DESC"
	return s.queryDocuments(ctx, query, vendorID)
}

// DocumentsInState returns latest document versions whose index state is one of states.
func (s *Store) DocumentsInState(ctx context.Context, states ...IndexState) ([]Document, error) {
	if len(states) == 0 {
		return nil, nil
	}
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	return s.queryDocuments(ctx, "SELECT "+documentColumns+
		" FROM documents WHERE is_latest = 1 AND index_state IN ("+placeholders(len(states))+") ORDER BY fetched_at", args...)
}

// SetIndexState moves a document to the given pipeline stage.
func (s *Store) SetIndexState(ctx context.Context, id string, state IndexState) error {
	res, err := s.db.ExecContext(ctx, "UPDATE documents SET index_state = ? WHERE id = ?", string(state), id)
	if err != nil {
		return fmt.Errorf("setting index state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) queryDocuments(ctx context.Context, query string, args ...any) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

func scanDocument(row scanner) (*Document, error) {
	var (
		d                Document
		isLatest         int
		prevID           sql.NullString
		fetched, crawled string
		indexState       string
	)
	err := row.Scan(&d.ID, &d.VendorID, &d.URL, &d.URLHash, &d.Title, &d.DocumentType, &d.Content,
		&d.ContentHash, &d.Version, &isLatest, &prevID, &d.HTTPStatus, &fetched, &crawled, &indexState)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning document: %w", err)
	}
	d.IsLatest = isLatest == 1
	d.PreviousVersionID = prevID.String
	d.FetchedAt = parseTime(fetched)
	d.LastCrawledAt = parseTime(crawled)
	d.IndexState = IndexState(indexState)
	return &d, nil
}
