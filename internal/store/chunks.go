package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

const chunkColumns = `c.id, c.document_id, c.vendor_id, c.chunk_index, c.start_offset, c.length, c.text,
	c.embedding, c.embed_state, c.attempts, c.created_at`

// ReplaceChunks swaps a document's chunks for a fresh pending set and moves
// the document to the chunked stage. Running it twice yields the same layout.
func (s *Store) ReplaceChunks(ctx context.Context, documentID, vendorID string, inputs []ChunkInput) ([]Chunk, error) {
	now := s.timestamp()
	chunks := make([]Chunk, 0, len(inputs))

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", documentID); err != nil {
			return fmt.Errorf("deleting chunks: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (id, document_id, vendor_id, chunk_index, start_offset, length, text, embed_state, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?)
		`)
		if err != nil {
			return fmt.Errorf("preparing chunk insert: %w", err)
		}
		defer stmt.Close()

		for _, in := range inputs {
			c := Chunk{
				ID:         uuid.New().String(),
				DocumentID: documentID,
				VendorID:   vendorID,
				Index:      in.Index,
				Offset:     in.Offset,
				Length:     in.Length,
				Text:       in.Text,
				EmbedState: EmbedPending,
				CreatedAt:  now,
			}
			if _, err := stmt.ExecContext(ctx, c.ID, c.DocumentID, c.VendorID, c.Index, c.Offset, c.Length,
				c.Text, formatTime(now)); err != nil {
				return fmt.Errorf("inserting chunk %d: %w", in.Index, err)
			}
			chunks = append(chunks, c)
		}

		res, err := tx.ExecContext(ctx, "UPDATE documents SET index_state = 'chunked' WHERE id = ?", documentID)
		if err != nil {
			return fmt.Errorf("advancing document: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

// ListChunks returns a document's chunks in order, optionally filtered by state.
func (s *Store) ListChunks(ctx context.Context, documentID string, states ...EmbedState) ([]Chunk, error) {
	query := "SELECT " + chunkColumns + " FROM chunks c WHERE c.document_id = ?"
	args := []any{documentID}
	if len(states) > 0 {
		query += " AND c.embed_state IN (" + placeholders(len(states)) + ")"
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY c.chunk_index"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, *c)
	}
	return chunks, rows.Err()
}

// SetChunkEmbedding stores a vector and marks the chunk embedded.
func (s *Store) SetChunkEmbedding(ctx context.Context, chunkID string, vec []float32) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET embedding = ?, embed_state = 'embedded', attempts = attempts + 1, last_error = ''
		WHERE id = ?
	`, float32SliceToBytes(vec), chunkID)
	if err != nil {
		return fmt.Errorf("storing embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkChunkUnembedded excludes a chunk from retrieval after embedding gave up.
func (s *Store) MarkChunkUnembedded(ctx context.Context, chunkID string, attempts int, lastErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET embed_state = 'unembedded', attempts = ?, last_error = ? WHERE id = ?
	`, attempts, lastErr, chunkID)
	if err != nil {
		return fmt.Errorf("marking chunk unembedded: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetChunkRefs loads chunks with their document metadata, keyed by chunk id.
// Unknown ids are absent from the result.
func (s *Store) GetChunkRefs(ctx context.Context, ids []string) (map[string]ChunkRef, error) {
	refs := make(map[string]ChunkRef, len(ids))
	if len(ids) == 0 {
		return refs, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, "SELECT "+chunkColumns+`,
			d.url, d.title, d.document_type, d.version, d.is_latest
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE c.id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunk refs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ref, err := scanChunkRef(rows)
		if err != nil {
			return nil, err
		}
		refs[ref.ID] = *ref
	}
	return refs, rows.Err()
}

// EmbeddedChunks returns every embedded chunk of the vendor's latest documents.
// Used to rebuild the similarity index.
func (s *Store) EmbeddedChunks(ctx context.Context, vendorID string) ([]ChunkRef, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+chunkColumns+`,
			d.url, d.title, d.document_type, d.version, d.is_latest
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE c.vendor_id = ? AND c.embed_state = 'embedded' AND d.is_latest = 1
		ORDER BY d.url, c.chunk_index`, vendorID)
	if err != nil {
		return nil, fmt.Errorf("querying embedded chunks: %w", err)
	}
	defer rows.Close()

	var refs []ChunkRef
	for rows.Next() {
		ref, err := scanChunkRef(rows)
		if err != nil {
			return nil, err
		}
		refs = append(refs, *ref)
	}
	return refs, rows.Err()
}

// CountEmbeddedChunks counts retrievable chunks for a vendor.
func (s *Store) CountEmbeddedChunks(ctx context.Context, vendorID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE c.vendor_id = ? AND c.embed_state = 'embedded' AND d.is_latest = 1
	`, vendorID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting embedded chunks: %w", err)
	}
	return n, nil
}

// SupersededChunkIDs returns the ids of every chunk that belongs to a
// non-latest version of the page identified by urlHash.
func (s *Store) SupersededChunkIDs(ctx context.Context, vendorID, urlHash string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE d.vendor_id = ? AND d.url_hash = ? AND d.is_latest = 0
		ORDER BY d.version, c.chunk_index`, vendorID, urlHash)
	if err != nil {
		return nil, fmt.Errorf("querying chunk ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanChunk(row scanner) (*Chunk, error) {
	var (
		c       Chunk
		blob    []byte
		state   string
		created string
	)
	if err := row.Scan(&c.ID, &c.DocumentID, &c.VendorID, &c.Index, &c.Offset, &c.Length, &c.Text,
		&blob, &state, &c.Attempts, &created); err != nil {
		return nil, fmt.Errorf("scanning chunk: %w", err)
	}
	c.Embedding = bytesToFloat32Slice(blob)
	c.EmbedState = EmbedState(state)
	c.CreatedAt = parseTime(created)
	return &c, nil
}

func scanChunkRef(row scanner) (*ChunkRef, error) {
	var (
		r        ChunkRef
		blob     []byte
		state    string
		created  string
		isLatest int
	)
	if err := row.Scan(&r.ID, &r.DocumentID, &r.VendorID, &r.Index, &r.Offset, &r.Length, &r.Text,
		&blob, &state, &r.Attempts, &created,
		&r.DocumentURL, &r.DocumentTitle, &r.DocumentType, &r.DocumentVersion, &isLatest); err != nil {
		return nil, fmt.Errorf("scanning chunk ref: %w", err)
	}
	r.Embedding = bytesToFloat32Slice(blob)
	r.EmbedState = EmbedState(state)
	r.CreatedAt = parseTime(created)
	r.IsLatest = isLatest == 1
	return &r, nil
}
