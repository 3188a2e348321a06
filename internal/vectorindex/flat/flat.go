// Package flat implements the Flat variant of VectorIndex directly on top
// of sqlite-vec's vec0 virtual table (spec §4.7), grounded on the
// teacher's ncruces/go-sqlite3 + asg017/sqlite-vec-go-bindings pairing
// (internal/store/sqlite_store.go registers both drivers via blank
// import; this package is the first concrete user of the vec0 table the
// teacher only imported but never queried).
package flat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
	"github.com/rs/zerolog"

	"github.com/recallsystems/recall/internal/errs"
	"github.com/recallsystems/recall/internal/vectorindex"
	"github.com/recallsystems/recall/internal/vectorindex/embed"
)

// Index is the Flat VectorIndex.
type Index struct {
	mu      sync.Mutex
	db      *sql.DB
	dim     int
	backend embed.Backend
	log     zerolog.Logger
	enabled bool
}

// Open creates/opens the vec0 virtual table at
// <data_root>/indexes/vector_flat.sqlite3.
func Open(dataRoot string, dim int, backend embed.Backend, log zerolog.Logger) (*Index, error) {
	path := filepath.Join(dataRoot, "indexes", "vector_flat.sqlite3")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errs.New(errs.KindIoError, "VectorIndex(flat).Open", "sql.Open", err)
	}
	idx := &Index{db: db, dim: dim, backend: backend, log: log.With().Str("component", "VectorIndex.flat").Logger(), enabled: true}
	if err := idx.migrate(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) migrate() error {
	ddl := fmt.Sprintf(`
CREATE VIRTUAL TABLE IF NOT EXISTS vec_items USING vec0(
  embedding FLOAT[%d]
);
CREATE TABLE IF NOT EXISTS vec_meta (
  rowid INTEGER PRIMARY KEY,
  item_id TEXT NOT NULL UNIQUE,
  scope TEXT NOT NULL,
  tombstoned INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_vec_meta_item ON vec_meta(item_id);
CREATE INDEX IF NOT EXISTS idx_vec_meta_scope ON vec_meta(scope);
`, idx.dim)
	_, err := idx.db.Exec(ddl)
	if err != nil {
		return errs.New(errs.KindIoError, "VectorIndex(flat).migrate", "exec ddl", err)
	}
	return nil
}

func serializeVec(v []float32) (string, error) {
	// vec0 accepts a JSON array text literal via the vec_f32() conversion
	// function; this avoids depending on an undocumented Go-side binary
	// serialization helper.
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Add pushes a vector into the index under the given tenant scope.
func (idx *Index) Add(ctx context.Context, itemID string, vector []float32, scope string) error {
	embed.Normalize(vector)
	lit, err := serializeVec(vector)
	if err != nil {
		return errs.New(errs.KindIoError, "VectorIndex(flat).Add", "serialize", err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New(errs.KindIoError, "VectorIndex(flat).Add", "begin tx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO vec_items(embedding) VALUES (vec_f32(?))`, lit)
	if err != nil {
		return errs.New(errs.KindIoError, "VectorIndex(flat).Add", "insert vec", err)
	}
	rowid, err := res.LastInsertId()
	if err != nil {
		return errs.New(errs.KindIoError, "VectorIndex(flat).Add", "lastinsertid", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO vec_meta(rowid, item_id, scope, tombstoned) VALUES (?, ?, ?, 0)`, rowid, itemID, scope); err != nil {
		return errs.New(errs.KindIoError, "VectorIndex(flat).Add", "insert meta", err)
	}
	return tx.Commit()
}

// AddText encodes text via the EmbeddingBackend, then Add.
func (idx *Index) AddText(ctx context.Context, itemID, text, scope string) error {
	if idx.backend == nil || !idx.backend.IsAvailable() {
		return errs.New(errs.KindIoError, "VectorIndex(flat).AddText", "no embedding backend available", nil)
	}
	v, err := idx.backend.Encode(ctx, text)
	if err != nil {
		return errs.New(errs.KindIoError, "VectorIndex(flat).AddText", "encode", err)
	}
	return idx.Add(ctx, itemID, v, scope)
}

// Search returns the top-K items by cosine similarity; when scope is
// non-empty, over-fetches 5x and filters, compensating for the coarse
// search not natively respecting tenant scope (same compensation the IVF
// variant requires, applied here for symmetry of the abstract contract).
func (idx *Index) Search(ctx context.Context, vector []float32, topK int, scope string) ([]vectorindex.ScoredID, error) {
	embed.Normalize(vector)
	lit, err := serializeVec(vector)
	if err != nil {
		return nil, err
	}

	fetchK := topK
	if scope != "" {
		fetchK = topK * 5
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	rows, err := idx.db.QueryContext(ctx, `
SELECT m.item_id, m.scope, m.tombstoned, v.distance
FROM vec_items v
JOIN vec_meta m ON m.rowid = v.rowid
WHERE v.embedding MATCH vec_f32(?) AND k = ?
ORDER BY v.distance
`, lit, fetchK)
	if err != nil {
		return nil, errs.New(errs.KindIoError, "VectorIndex(flat).Search", "query", err)
	}
	defer rows.Close()

	var out []vectorindex.ScoredID
	for rows.Next() {
		var itemID, rowScope string
		var tombstoned int
		var distance float64
		if err := rows.Scan(&itemID, &rowScope, &tombstoned, &distance); err != nil {
			continue
		}
		if tombstoned != 0 {
			continue
		}
		if scope != "" && rowScope != scope {
			continue
		}
		// sqlite-vec reports L2 distance on normalized vectors; convert to
		// cosine similarity: cos = 1 - d^2/2 for unit vectors.
		cos := 1 - (distance*distance)/2
		out = append(out, vectorindex.ScoredID{ItemID: itemID, Score: cos})
		if len(out) >= topK {
			break
		}
	}
	return out, nil
}

// SearchText encodes text then Search.
func (idx *Index) SearchText(ctx context.Context, text string, topK int, scope string) ([]vectorindex.ScoredID, error) {
	if idx.backend == nil || !idx.backend.IsAvailable() {
		return nil, errs.New(errs.KindIoError, "VectorIndex(flat).SearchText", "no embedding backend available", nil)
	}
	v, err := idx.backend.Encode(ctx, text)
	if err != nil {
		return nil, err
	}
	return idx.Search(ctx, v, topK, scope)
}

// Flush is a no-op for the flat index: every write already commits via
// SQLite transactions.
func (idx *Index) Flush() error { return nil }

// Rebuild purges tombstoned rows, compacting the vec0 table.
func (idx *Index) Rebuild(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	rows, err := idx.db.QueryContext(ctx, `SELECT rowid FROM vec_meta WHERE tombstoned = 1`)
	if err != nil {
		return errs.New(errs.KindIoError, "VectorIndex(flat).Rebuild", "query tombstones", err)
	}
	var rowids []int64
	for rows.Next() {
		var r int64
		if err := rows.Scan(&r); err == nil {
			rowids = append(rowids, r)
		}
	}
	rows.Close()

	for _, r := range rowids {
		if _, err := idx.db.ExecContext(ctx, `DELETE FROM vec_items WHERE rowid = ?`, r); err != nil {
			idx.log.Warn().Err(err).Int64("rowid", r).Msg("rebuild: delete vec_items failed")
			continue
		}
		if _, err := idx.db.ExecContext(ctx, `DELETE FROM vec_meta WHERE rowid = ?`, r); err != nil {
			idx.log.Warn().Err(err).Int64("rowid", r).Msg("rebuild: delete vec_meta failed")
		}
	}
	return nil
}

// Remove soft-deletes by item id; Rebuild clears tombstones.
func (idx *Index) Remove(itemID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, err := idx.db.Exec(`UPDATE vec_meta SET tombstoned = 1 WHERE item_id = ?`, itemID)
	if err != nil {
		return errs.New(errs.KindIoError, "VectorIndex(flat).Remove", "update", err)
	}
	return nil
}

func (idx *Index) Enabled() bool { return idx.enabled && idx.backend != nil && idx.backend.IsAvailable() }

func (idx *Index) Close() error { return idx.db.Close() }
