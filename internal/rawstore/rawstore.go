// Package rawstore archives raw fetched payloads for provenance.
// Content is addressed by SHA-256, so re-fetching an unchanged page
// costs one hash lookup instead of another stored copy.
package rawstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PersistInput describes one payload to archive.
type PersistInput struct {
	SourceType string // cdr_products | cdr_product_detail | html_page | wayback_snapshot
	SourceURL  string
	Payload    []byte
	HTTPStatus int
	Notes      string
}

// Provenance identifies the archived payload.
type Provenance struct {
	ContentHash  string `json:"content_hash"`
	Location     string `json:"location"`
	Deduplicated bool   `json:"deduplicated"`
}

// Persister is the interface job handlers depend on.
type Persister interface {
	Persist(ctx context.Context, in PersistInput) (Provenance, error)
}

// Store implements Persister with an uploader for bytes and Postgres
// for the provenance index.
type Store struct {
	pool     *pgxpool.Pool
	uploader Uploader
}

func New(pool *pgxpool.Pool, uploader Uploader) *Store {
	return &Store{pool: pool, uploader: uploader}
}

func (s *Store) Persist(ctx context.Context, in PersistInput) (Provenance, error) {
	sum := sha256.Sum256(in.Payload)
	hash := hex.EncodeToString(sum[:])

	var existing string
	err := s.pool.QueryRow(ctx, `
		SELECT location FROM raw_payloads WHERE content_hash = $1
	`, hash).Scan(&existing)
	if err == nil {
		return Provenance{ContentHash: hash, Location: existing, Deduplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Provenance{}, fmt.Errorf("lookup raw payload: %w", err)
	}

	key := fmt.Sprintf("raw/%s/%s", hash[:2], hash)
	location, err := s.uploader.Upload(ctx, key, in.Payload, "application/octet-stream")
	if err != nil {
		return Provenance{}, fmt.Errorf("upload raw payload: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO raw_payloads (content_hash, source_type, source_url, http_status, location, notes)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		ON CONFLICT (content_hash) DO NOTHING
	`, hash, in.SourceType, in.SourceURL, in.HTTPStatus, location, in.Notes)
	if err != nil {
		return Provenance{}, fmt.Errorf("index raw payload: %w", err)
	}
	// Lost an insert race; the other writer's copy is canonical.
	deduplicated := tag.RowsAffected() == 0
	return Provenance{ContentHash: hash, Location: location, Deduplicated: deduplicated}, nil
}
