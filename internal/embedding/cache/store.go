// Package cache deduplicates embedding requests across runs. Vectors are
// kept in a SQLite table keyed by a hash of model, input type and text.
package cache

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/minio/highwayhash"
	_ "modernc.org/sqlite"

	"ragpipe/internal/domain"
)

//go:embed schema.sql
var schema string

var keyHashKey = []byte("ragpipe-embedding-cache-key-0001")

// Store is the SQLite backed vector table.
type Store struct {
	db *sql.DB
}

// Open opens or creates the cache database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Key returns the cache key of one input.
func Key(model string, inputType domain.InputType, text string) string {
	h := highwayhash.Sum128([]byte(model+"\x00"+string(inputType)+"\x00"+text), keyHashKey)
	return hex.EncodeToString(h[:])
}

// Get returns the cached vector for key. ok is false on a miss or when the
// stored dimension differs from dim.
func (s *Store) Get(ctx context.Context, key string, dim int) (domain.Vector, bool, error) {
	var (
		storedDim int
		blob      []byte
	)
	err := s.db.QueryRowContext(ctx, `SELECT dim, vector FROM embeddings WHERE key = ?`, key).Scan(&storedDim, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache: %w", err)
	}
	if storedDim != dim || len(blob) != 4*dim {
		return nil, false, nil
	}
	return decode(blob), true, nil
}

// Put stores vec under key, replacing any previous entry.
func (s *Store) Put(ctx context.Context, key, model string, inputType domain.InputType, vec domain.Vector) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO embeddings (key, model, input_type, dim, vector, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		key, model, string(inputType), len(vec), encode(vec), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	return nil
}

// Len returns the number of cached vectors.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&n)
	return n, err
}

func encode(v domain.Vector) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decode(b []byte) domain.Vector {
	v := make(domain.Vector, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
