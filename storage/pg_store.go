package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"videoQA/core"
)

const (
	modalityTranscript = "asr"
	modalityText       = "ocr"
)

// PgBundleStore keeps bundles in PostgreSQL: metadata and frames in
// video_bundles, one row per vector in bundle_vectors. A save is a single
// transaction, so readers never observe a partial bundle. Vector rows carry
// the version of the save that wrote them; a loaded bundle searches only its
// own version, and the previous version is kept for bundles still in use.
type PgBundleStore struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

// NewPgBundleStore 连接 PostgreSQL 并建表
func NewPgBundleStore(ctx context.Context, dbURL string) (*PgBundleStore, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping postgres: %v", core.ErrStoreUnavailable, err)
	}
	s := &PgBundleStore{pool: pool, logger: log.New(os.Stdout, "[PG-STORE] ", log.LstdFlags)}
	if err := s.ensureTables(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PgBundleStore) Close() { s.pool.Close() }

func (s *PgBundleStore) ensureTables(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS video_bundles (
			bundle_key     VARCHAR(255) PRIMARY KEY,
			version        VARCHAR(64) NOT NULL DEFAULT '',
			video_path     VARCHAR(1000) NOT NULL,
			transcriptions JSONB NOT NULL,
			texts          JSONB NOT NULL,
			frames         BYTEA NOT NULL,
			updated_at     TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS bundle_vectors (
			bundle_key VARCHAR(255) NOT NULL REFERENCES video_bundles(bundle_key) ON DELETE CASCADE,
			version    VARCHAR(64) NOT NULL DEFAULT '',
			modality   VARCHAR(16) NOT NULL,
			ordinal    INT NOT NULL,
			embedding  vector NOT NULL,
			PRIMARY KEY (bundle_key, version, modality, ordinal)
		)`,
		`ALTER TABLE video_bundles ADD COLUMN IF NOT EXISTS version VARCHAR(64) NOT NULL DEFAULT ''`,
		`ALTER TABLE bundle_vectors ADD COLUMN IF NOT EXISTS version VARCHAR(64) NOT NULL DEFAULT ''`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("create bundle tables: %w", err)
		}
	}
	return nil
}

func (s *PgBundleStore) Save(ctx context.Context, b *core.VideoBundle) error {
	frames, err := EncodeFrames(b.Frames)
	if err != nil {
		return fmt.Errorf("compress frames: %w", err)
	}
	transcripts, _ := json.Marshal(nonNil(b.Transcripts))
	texts, _ := json.Marshal(nonNil(b.Texts))
	asrVecs, err := b.TranscriptIndex.Vectors(ctx)
	if err != nil {
		return fmt.Errorf("read transcript vectors: %w", err)
	}
	ocrVecs, err := b.TextIndex.Vectors(ctx)
	if err != nil {
		return fmt.Errorf("read text vectors: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", core.ErrStoreUnavailable, err)
	}
	defer tx.Rollback(ctx)

	var previous string
	err = tx.QueryRow(ctx, `SELECT version FROM video_bundles WHERE bundle_key = $1 FOR UPDATE`, b.Key).Scan(&previous)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("read current version: %w", err)
	}
	version := newVersion()

	_, err = tx.Exec(ctx, `
		INSERT INTO video_bundles (bundle_key, version, video_path, transcriptions, texts, frames, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, CURRENT_TIMESTAMP)
		ON CONFLICT (bundle_key) DO UPDATE SET
			version = EXCLUDED.version,
			video_path = EXCLUDED.video_path,
			transcriptions = EXCLUDED.transcriptions,
			texts = EXCLUDED.texts,
			frames = EXCLUDED.frames,
			updated_at = CURRENT_TIMESTAMP`,
		b.Key, version, b.VideoPath, transcripts, texts, frames)
	if err != nil {
		return fmt.Errorf("upsert bundle: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM bundle_vectors WHERE bundle_key = $1 AND version <> $2`, b.Key, previous); err != nil {
		return fmt.Errorf("prune vectors: %w", err)
	}

	batch := &pgx.Batch{}
	queue := func(modality string, vecs [][]float32) {
		for i, v := range vecs {
			batch.Queue(`INSERT INTO bundle_vectors (bundle_key, version, modality, ordinal, embedding) VALUES ($1, $2, $3, $4, $5)`,
				b.Key, version, modality, i, pgvector.NewVector(v))
		}
	}
	queue(modalityTranscript, asrVecs)
	queue(modalityText, ocrVecs)
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert vectors: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", core.ErrStoreUnavailable, err)
	}
	s.logger.Printf("saved bundle %s version %s (%d asr vectors, %d ocr vectors)", b.Key, version, len(asrVecs), len(ocrVecs))
	return nil
}

func (s *PgBundleStore) Load(ctx context.Context, key string) (*core.VideoBundle, error) {
	var (
		version, videoPath string
		transcripts, texts []byte
		frameBlob          []byte
		asrCount, ocrCount int
	)
	err := s.pool.QueryRow(ctx, `
		SELECT b.version, b.video_path, b.transcriptions, b.texts, b.frames,
			(SELECT COUNT(*) FROM bundle_vectors v
				WHERE v.bundle_key = b.bundle_key AND v.version = b.version AND v.modality = $2),
			(SELECT COUNT(*) FROM bundle_vectors v
				WHERE v.bundle_key = b.bundle_key AND v.version = b.version AND v.modality = $3)
		FROM video_bundles b WHERE b.bundle_key = $1`,
		key, modalityTranscript, modalityText).Scan(&version, &videoPath, &transcripts, &texts, &frameBlob, &asrCount, &ocrCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrBundleNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load bundle: %v", core.ErrStoreUnavailable, err)
	}

	b := &core.VideoBundle{Key: key, VideoPath: videoPath}
	if err := json.Unmarshal(transcripts, &b.Transcripts); err != nil {
		return nil, fmt.Errorf("%w: transcriptions: %v", core.ErrBundleCorrupt, err)
	}
	if err := json.Unmarshal(texts, &b.Texts); err != nil {
		return nil, fmt.Errorf("%w: texts: %v", core.ErrBundleCorrupt, err)
	}
	if asrCount != len(b.Transcripts) || ocrCount != len(b.Texts) {
		return nil, fmt.Errorf("%w: %s has %d/%d vectors for %d/%d entries", core.ErrBundleNotFound,
			key, asrCount, ocrCount, len(b.Transcripts), len(b.Texts))
	}
	if b.Frames, err = DecodeFrames(frameBlob); err != nil {
		return nil, err
	}
	b.TranscriptIndex, err = s.index(ctx, key, version, modalityTranscript, asrCount)
	if err != nil {
		return nil, err
	}
	b.TextIndex, err = s.index(ctx, key, version, modalityText, ocrCount)
	if err != nil {
		return nil, err
	}
	if err := b.Check(); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *PgBundleStore) index(ctx context.Context, key, version, modality string, n int) (*PgIndex, error) {
	idx := &PgIndex{pool: s.pool, key: key, version: version, modality: modality, n: n}
	if n == 0 {
		return idx, nil
	}
	err := s.pool.QueryRow(ctx, `SELECT vector_dims(embedding) FROM bundle_vectors
		WHERE bundle_key = $1 AND version = $2 AND modality = $3 LIMIT 1`, key, version, modality).Scan(&idx.dim)
	if err != nil {
		return nil, fmt.Errorf("%w: vector dims: %v", core.ErrStoreUnavailable, err)
	}
	return idx, nil
}

// PgIndex searches one modality of one saved version with pgvector's L2
// operator.
type PgIndex struct {
	pool     *pgxpool.Pool
	key      string
	version  string
	modality string
	n        int
	dim      int
}

func (p *PgIndex) Len() int { return p.n }
func (p *PgIndex) Dim() int { return p.dim }

func (p *PgIndex) Search(ctx context.Context, query []float32, k int) ([]core.SearchHit, error) {
	if p.n == 0 || k <= 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, `
		SELECT ordinal, embedding <-> $1 AS distance
		FROM bundle_vectors
		WHERE bundle_key = $2 AND version = $3 AND modality = $4
		ORDER BY embedding <-> $1, ordinal
		LIMIT $5`, pgvector.NewVector(query), p.key, p.version, p.modality, k)
	if err != nil {
		return nil, fmt.Errorf("%w: vector search: %v", core.ErrStoreUnavailable, err)
	}
	defer rows.Close()
	var hits []core.SearchHit
	for rows.Next() {
		var (
			ordinal int
			dist    float64
		)
		if err := rows.Scan(&ordinal, &dist); err != nil {
			return nil, err
		}
		// pgvector returns the euclidean distance; FlatIndex reports its square.
		hits = append(hits, core.SearchHit{Ordinal: ordinal, Distance: float32(dist * dist)})
	}
	return hits, rows.Err()
}

func (p *PgIndex) Vectors(ctx context.Context) ([][]float32, error) {
	rows, err := p.pool.Query(ctx, `SELECT embedding FROM bundle_vectors
		WHERE bundle_key = $1 AND version = $2 AND modality = $3 ORDER BY ordinal`, p.key, p.version, p.modality)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out [][]float32
	for rows.Next() {
		var v pgvector.Vector
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v.Slice())
	}
	return out, rows.Err()
}

// MarshalBinary materializes the rows into the flat format so a bundle
// loaded from postgres can be saved to any other store.
func (p *PgIndex) MarshalBinary() ([]byte, error) {
	vecs, err := p.Vectors(context.Background())
	if err != nil {
		return nil, err
	}
	flat, err := NewFlatIndex(p.dim, vecs)
	if err != nil {
		return nil, err
	}
	return flat.MarshalBinary()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
