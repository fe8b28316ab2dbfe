package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"

	"priceoracle/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/oracle.db"
}

// Writer is the durable journal of finalized rounds, registered assets and
// the parameter set. Rounds are inserted by a single goroutine in batched
// transactions.
type Writer struct {
	db *sql.DB

	// OnCommit is called after each successful batch commit (for metrics).
	OnCommit func(n int, elapsed time.Duration)
}

var _ model.RoundWriter = (*Writer)(nil)

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New creates a new SQLite Writer, initializes the database with WAL mode and schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := sql.Open("sqlite3", dsn(cfg.DBPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Writer{db: db}, nil
}

func dsn(path string) string {
	return path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS assets (
			asset         TEXT    PRIMARY KEY,
			registered_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS rounds (
			asset            TEXT    NOT NULL,
			round            INTEGER NOT NULL,
			price            TEXT    NOT NULL,
			submission_count INTEGER NOT NULL,
			submissions      TEXT,
			ts               INTEGER NOT NULL,
			PRIMARY KEY (asset, round)
		);
		CREATE INDEX IF NOT EXISTS rounds_asset_ts ON rounds (asset, ts);

		CREATE TABLE IF NOT EXISTS reference_feeds (
			asset      TEXT    PRIMARY KEY,
			data       TEXT    NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS params (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			data       TEXT    NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	return err
}

// Run reads finalized rounds from roundCh and inserts them in batched
// transactions. Flushes every batchSize rounds OR every flushDelay, whichever
// first. Blocks until ctx is cancelled or roundCh is closed.
func (w *Writer) Run(ctx context.Context, roundCh <-chan model.RoundResult) {
	batch := make([]model.RoundResult, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := w.InsertRounds(batch); err != nil {
			log.Printf("[sqlite] round batch insert error: %v", err)
		} else {
			elapsed := time.Since(start)
			if w.OnCommit != nil {
				w.OnCommit(len(batch), elapsed)
			}
			log.Printf("[sqlite] committed %d rounds in %v", len(batch), elapsed)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case res, ok := <-roundCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, res)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// InsertRounds inserts a batch of rounds in a single transaction.
func (w *Writer) InsertRounds(rounds []model.RoundResult) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO rounds (asset, round, price, submission_count, submissions, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range rounds {
		subs, err := json.Marshal(r.Submissions)
		if err != nil {
			tx.Rollback()
			return err
		}
		// round indices fit int64 for any realistic deployment
		_, err = stmt.Exec(r.Key(), int64(r.Round), r.Price.String(), r.SubmissionCount, string(subs), r.TS.UnixNano())
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// SaveAsset records a registered asset. Re-saving is a no-op.
func (w *Writer) SaveAsset(asset common.Address, at time.Time) error {
	_, err := w.db.Exec(`INSERT OR IGNORE INTO assets (asset, registered_at) VALUES (?, ?)`,
		model.AssetKey(asset), at.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite insert asset: %w", err)
	}
	return nil
}

// SaveParams stores the current parameter set (any JSON-encodable value).
func (w *Writer) SaveParams(params interface{}, at time.Time) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = w.db.Exec(`INSERT OR REPLACE INTO params (id, data, updated_at) VALUES (1, ?, ?)`,
		string(data), at.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite save params: %w", err)
	}
	return nil
}

// SaveReference stores an asset's reference feed definition (any
// JSON-encodable value), replacing the previous one.
func (w *Writer) SaveReference(asset common.Address, spec interface{}, at time.Time) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal reference: %w", err)
	}
	_, err = w.db.Exec(`INSERT OR REPLACE INTO reference_feeds (asset, data, updated_at) VALUES (?, ?, ?)`,
		model.AssetKey(asset), string(data), at.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite save reference: %w", err)
	}
	return nil
}

// PruneRounds deletes rounds finalized before cutoff, keeping each asset's
// latest round so restore can resume its round index.
func (w *Writer) PruneRounds(cutoff time.Time) (int64, error) {
	res, err := w.db.Exec(`
		DELETE FROM rounds
		WHERE ts < ?
		  AND round < (SELECT MAX(r2.round) FROM rounds r2 WHERE r2.asset = rounds.asset)
	`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite prune rounds: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
