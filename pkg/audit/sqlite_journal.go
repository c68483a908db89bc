package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteJournal persists the same hash chain as Journal in a SQLite database,
// so the stream survives restarts and can be verified or replayed offline.
type SQLiteJournal struct {
	mu   sync.Mutex
	db   *sql.DB
	seq  uint64
	head string
}

// NewSQLiteJournal migrates the schema and resumes the chain from the last
// persisted event.
func NewSQLiteJournal(db *sql.DB) (*SQLiteJournal, error) {
	j := &SQLiteJournal{db: db, head: genesisHead}
	if err := j.migrate(); err != nil {
		return nil, err
	}
	if err := j.loadHead(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *SQLiteJournal) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS journal_events (
        seq INTEGER PRIMARY KEY,
        id TEXT NOT NULL,
        kind TEXT NOT NULL,
        target TEXT NOT NULL,
        actor TEXT NOT NULL,
        permission_id TEXT,
        timestamp DATETIME NOT NULL,
        prev_hash TEXT NOT NULL,
        hash TEXT NOT NULL,
        event_json JSON NOT NULL
    );`
	_, err := j.db.ExecContext(context.Background(), query)
	return err
}

func (j *SQLiteJournal) loadHead() error {
	row := j.db.QueryRowContext(context.Background(),
		"SELECT seq, hash FROM journal_events ORDER BY seq DESC LIMIT 1")
	var seq uint64
	var hash string
	err := row.Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	j.seq, j.head = seq, hash
	return nil
}

// Record assigns the chain fields and persists the event.
func (j *SQLiteJournal) Record(ctx context.Context, ev *Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.Timestamp = ev.Timestamp.UTC()

	ev.Seq = j.seq + 1
	ev.PrevHash = j.head
	hash, err := eventHash(ev)
	if err != nil {
		return err
	}
	ev.Hash = hash

	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	query := `INSERT INTO journal_events (
		seq, id, kind, target, actor, permission_id, timestamp, prev_hash, hash, event_json
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = j.db.ExecContext(ctx, query,
		ev.Seq, ev.ID.String(), string(ev.Kind), ev.Target.String(), ev.Actor.String(),
		ev.PermissionID, ev.Timestamp.Format(time.RFC3339Nano), ev.PrevHash, ev.Hash, string(eventJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	j.seq = ev.Seq
	j.head = ev.Hash
	return nil
}

// Head returns the current chain head hash.
func (j *SQLiteJournal) Head() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.head
}

// Seq returns the sequence number of the latest event.
func (j *SQLiteJournal) Seq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// List returns all events in append order.
func (j *SQLiteJournal) List(ctx context.Context) ([]*Event, error) {
	return j.query(ctx, "SELECT event_json FROM journal_events ORDER BY seq ASC")
}

// Query returns events matching the filter, in append order.
func (j *SQLiteJournal) QueryEvents(ctx context.Context, f Filter) ([]*Event, error) {
	query := "SELECT event_json FROM journal_events WHERE 1=1"
	var args []interface{}
	if f.Target != uuid.Nil {
		query += " AND target = ?"
		args = append(args, f.Target.String())
	}
	if f.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(f.Kind))
	}
	if f.StartSeq > 0 {
		query += " AND seq >= ?"
		args = append(args, f.StartSeq)
	}
	if f.EndSeq > 0 {
		query += " AND seq <= ?"
		args = append(args, f.EndSeq)
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return j.query(ctx, query, args...)
}

func (j *SQLiteJournal) query(ctx context.Context, query string, args ...interface{}) ([]*Event, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		var eventJSON string
		if err := rows.Scan(&eventJSON); err != nil {
			return nil, err
		}
		ev := &Event{}
		if err := json.Unmarshal([]byte(eventJSON), ev); err != nil {
			return nil, fmt.Errorf("failed to deserialize event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// VerifyChain loads the full stream and checks every link.
func (j *SQLiteJournal) VerifyChain(ctx context.Context) error {
	events, err := j.List(ctx)
	if err != nil {
		return err
	}
	return verifyEvents(events)
}

// Checkpoint signs the current chain head with the given keyring.
func (j *SQLiteJournal) Checkpoint(k *Keyring) (*Checkpoint, error) {
	j.mu.Lock()
	seq, head := j.seq, j.head
	j.mu.Unlock()
	return signCheckpoint(k, seq, head)
}
