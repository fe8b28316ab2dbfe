package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"

	"priceoracle/internal/model"
)

// Reader provides read-only access to the journal for engine restore.
type Reader struct {
	db *sql.DB
}

var _ model.HistoryReader = (*Reader)(nil)

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

// ReadAssets returns registered assets in registration order.
func (r *Reader) ReadAssets() ([]common.Address, error) {
	rows, err := r.db.Query(`SELECT asset FROM assets ORDER BY registered_at ASC, asset ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query assets: %w", err)
	}
	defer rows.Close()

	var out []common.Address
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("sqlite scan assets: %w", err)
		}
		out = append(out, common.HexToAddress(key))
	}
	return out, rows.Err()
}

// ReadObservations returns an asset's finalized prices with ts > after,
// ordered by timestamp ascending.
func (r *Reader) ReadObservations(asset common.Address, after time.Time) ([]model.Observation, error) {
	rows, err := r.db.Query(`
		SELECT price, ts FROM rounds
		WHERE asset = ? AND ts > ?
		ORDER BY ts ASC, round ASC
	`, model.AssetKey(asset), after.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("sqlite query observations: %w", err)
	}
	defer rows.Close()

	var obs []model.Observation
	for rows.Next() {
		var price string
		var ts int64
		if err := rows.Scan(&price, &ts); err != nil {
			return nil, fmt.Errorf("sqlite scan observations: %w", err)
		}
		p, err := model.ParsePrice(price)
		if err != nil {
			return nil, err
		}
		obs = append(obs, model.Observation{Price: p, Timestamp: time.Unix(0, ts).UTC()})
	}
	return obs, rows.Err()
}

// ReadLatestRounds returns the highest finalized round of every asset.
func (r *Reader) ReadLatestRounds() ([]model.RoundResult, error) {
	rows, err := r.db.Query(`
		SELECT r.asset, r.round, r.price, r.submission_count, r.submissions, r.ts
		FROM rounds r
		JOIN (SELECT asset, MAX(round) AS round FROM rounds GROUP BY asset) m
		  ON m.asset = r.asset AND m.round = r.round
		ORDER BY r.asset
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query latest rounds: %w", err)
	}
	defer rows.Close()

	var out []model.RoundResult
	for rows.Next() {
		res, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// ReadRound returns one finalized round, or (nil, nil) if it was never journaled.
func (r *Reader) ReadRound(asset common.Address, round uint64) (*model.RoundResult, error) {
	rows, err := r.db.Query(`
		SELECT asset, round, price, submission_count, submissions, ts
		FROM rounds WHERE asset = ? AND round = ?
	`, model.AssetKey(asset), int64(round))
	if err != nil {
		return nil, fmt.Errorf("sqlite query round: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	res, err := scanRound(rows)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ReadParams decodes the stored parameter set into dst.
// Returns false if none was ever saved.
func (r *Reader) ReadParams(dst interface{}) (bool, error) {
	var data string
	err := r.db.QueryRow(`SELECT data FROM params WHERE id = 1`).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("sqlite read params: %w", err)
	}
	if err := json.Unmarshal([]byte(data), dst); err != nil {
		return false, fmt.Errorf("unmarshal params: %w", err)
	}
	return true, nil
}

// ReadReferences returns the stored reference feed definitions keyed by asset,
// as raw JSON for the caller to decode.
func (r *Reader) ReadReferences() (map[common.Address]json.RawMessage, error) {
	rows, err := r.db.Query(`SELECT asset, data FROM reference_feeds`)
	if err != nil {
		return nil, fmt.Errorf("sqlite read references: %w", err)
	}
	defer rows.Close()

	out := make(map[common.Address]json.RawMessage)
	for rows.Next() {
		var asset, data string
		if err := rows.Scan(&asset, &data); err != nil {
			return nil, err
		}
		out[common.HexToAddress(asset)] = json.RawMessage(data)
	}
	return out, rows.Err()
}

func scanRound(rows *sql.Rows) (model.RoundResult, error) {
	var (
		key, price string
		round, ts  int64
		count      int
		subs       sql.NullString
	)
	if err := rows.Scan(&key, &round, &price, &count, &subs, &ts); err != nil {
		return model.RoundResult{}, fmt.Errorf("sqlite scan rounds: %w", err)
	}
	p, err := model.ParsePrice(price)
	if err != nil {
		return model.RoundResult{}, err
	}
	res := model.RoundResult{
		Asset:           common.HexToAddress(key),
		Round:           uint64(round),
		Price:           p,
		SubmissionCount: count,
		TS:              time.Unix(0, ts).UTC(),
	}
	if subs.Valid && subs.String != "" {
		if err := json.Unmarshal([]byte(subs.String), &res.Submissions); err != nil {
			return model.RoundResult{}, fmt.Errorf("unmarshal submissions: %w", err)
		}
	}
	return res, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
