package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"boltz/internal/params"
)

// RunInfo is one catalog row.
type RunInfo struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Digest    string    `json:"params_digest"`
	Products  []string  `json:"products,omitempty"`
}

// Run is a full catalog entry.
type Run struct {
	RunInfo
	ParamsJSON  []byte `json:"params"`
	DerivedJSON []byte `json:"derived"`
}

// Digest returns the canonical parameter digest used to relate runs
// with identical configuration.
func Digest(cfg *params.Config) (string, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// SaveRun catalogs a finished run: the parameter snapshot, the derived
// scalars and the rendered products (zstd-compressed). Returns the new
// run id.
func (db *DB) SaveRun(cfg *params.Config, derived interface{}, products map[string][]byte) (string, error) {
	digest, err := Digest(cfg)
	if err != nil {
		return "", err
	}
	paramsJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	derivedJSON, err := json.Marshal(derived)
	if err != nil {
		return "", err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return "", err
	}
	defer enc.Close()

	id := uuid.NewString()
	tx, err := db.conn.Begin()
	if err != nil {
		return "", err
	}
	if _, err := tx.Exec(
		`INSERT INTO runs (id, created_at, params_digest, params_json, derived_json)
		 VALUES (?, ?, ?, ?, ?)`,
		id, time.Now().UTC().Format(time.RFC3339), digest, string(paramsJSON), string(derivedJSON)); err != nil {
		tx.Rollback()
		return "", fmt.Errorf("inserting run: %w", err)
	}
	for name, payload := range products {
		if _, err := tx.Exec(
			`INSERT INTO products (run_id, name, payload) VALUES (?, ?, ?)
			 ON CONFLICT (run_id, name) DO UPDATE SET payload = excluded.payload`,
			id, name, enc.EncodeAll(payload, nil)); err != nil {
			tx.Rollback()
			return "", fmt.Errorf("inserting product %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	db.log.Info("run cataloged",
		slog.String("id", id),
		slog.String("digest", digest[:12]),
		slog.Int("products", len(products)))
	return id, nil
}

// ListRuns returns every cataloged run, newest first.
func (db *DB) ListRuns() ([]RunInfo, error) {
	rows, err := db.conn.Query(
		`SELECT id, created_at, params_digest FROM runs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunInfo
	for rows.Next() {
		var info RunInfo
		var created string
		if err := rows.Scan(&info.ID, &created, &info.Digest); err != nil {
			return nil, err
		}
		info.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, info)
	}
	return out, rows.Err()
}

// GetRun loads one catalog entry with its product names.
func (db *DB) GetRun(id string) (*Run, error) {
	var r Run
	var created string
	var paramsJSON, derivedJSON string
	err := db.conn.QueryRow(
		`SELECT id, created_at, params_digest, params_json, derived_json FROM runs WHERE id = ?`,
		id).Scan(&r.ID, &created, &r.Digest, &paramsJSON, &derivedJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339, created)
	r.ParamsJSON = []byte(paramsJSON)
	r.DerivedJSON = []byte(derivedJSON)

	rows, err := db.conn.Query(`SELECT name FROM products WHERE run_id = ? ORDER BY name`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		r.Products = append(r.Products, name)
	}
	return &r, rows.Err()
}

// GetProduct returns one decompressed rendered product.
func (db *DB) GetProduct(id, name string) ([]byte, error) {
	var payload []byte
	err := db.conn.QueryRow(
		`SELECT payload FROM products WHERE run_id = ? AND name = ?`, id, name).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s has no product %s", id, name)
	}
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(payload, nil)
}

// DeleteRun removes a run and its products.
func (db *DB) DeleteRun(id string) error {
	res, err := db.conn.Exec(`DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}
