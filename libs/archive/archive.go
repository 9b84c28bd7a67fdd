// Package archive keeps an off-chain, queryable copy of the learning-event
// log in SQLite. The chain remains authoritative; the archive serves
// dashboard queries and survives restarts. Readers tolerate eventual
// consistency with the chain.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/libs/chain"
)

const schema = `
CREATE TABLE IF NOT EXISTS learning_events (
	event_id    INTEGER PRIMARY KEY,
	agent       TEXT NOT NULL,
	kind        TEXT NOT NULL,
	payload     TEXT NOT NULL,
	produced_at TIMESTAMP NOT NULL,
	tx_anchor   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_learning_events_agent ON learning_events(agent);
CREATE INDEX IF NOT EXISTS idx_learning_events_kind ON learning_events(kind);
`

// Row is one archived learning event.
type Row struct {
	EventID    uint64
	Agent      string
	Kind       chain.LearningEventKind
	Payload    json.RawMessage
	ProducedAt time.Time
	TxAnchor   string
}

// Archive is the SQLite-backed event store. Inserts only; rows are never
// updated or deleted.
type Archive struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates (or reopens) an archive at path. Use ":memory:" for tests.
func Open(path string, logger *zap.Logger) (*Archive, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply archive schema: %w", err)
	}
	logger.Info("learning event archive opened", zap.String("path", path))
	return &Archive{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Record appends one learning event. Replaying an event id already
// archived is a no-op, so the follower can resume after a restart.
func (a *Archive) Record(ctx context.Context, ev chain.LearningEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO learning_events
			(event_id, agent, kind, payload, produced_at, tx_anchor)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Agent.String(), string(ev.Kind), string(payload), ev.ProducedAt, ev.TxAnchor,
	)
	if err != nil {
		return fmt.Errorf("failed to archive event %d: %w", ev.ID, err)
	}
	return nil
}

// ListByAgent returns an agent's events in append order.
func (a *Archive) ListByAgent(ctx context.Context, agent chain.Address) ([]Row, error) {
	return a.query(ctx, `
		SELECT event_id, agent, kind, payload, produced_at, tx_anchor
		FROM learning_events WHERE agent = ? ORDER BY event_id ASC`,
		agent.String())
}

// ListByKind returns all events of one kind in append order.
func (a *Archive) ListByKind(ctx context.Context, kind chain.LearningEventKind) ([]Row, error) {
	return a.query(ctx, `
		SELECT event_id, agent, kind, payload, produced_at, tx_anchor
		FROM learning_events WHERE kind = ? ORDER BY event_id ASC`,
		string(kind))
}

// CountByKind aggregates event volume per kind.
func (a *Archive) CountByKind(ctx context.Context) (map[chain.LearningEventKind]int, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM learning_events GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[chain.LearningEventKind]int)
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[chain.LearningEventKind(kind)] = count
	}
	return counts, rows.Err()
}

// LastEventID returns the highest archived event id, 0 when empty.
func (a *Archive) LastEventID(ctx context.Context) (uint64, error) {
	var id sql.NullInt64
	err := a.db.QueryRowContext(ctx,
		`SELECT MAX(event_id) FROM learning_events`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to read last event id: %w", err)
	}
	if !id.Valid {
		return 0, nil
	}
	return uint64(id.Int64), nil
}

// Follow archives learning events as the chain emits them, until ctx is
// cancelled. It first backfills anything recorded before the subscription.
func (a *Archive) Follow(ctx context.Context, c *chain.Chain) {
	events, cancel := c.Subscribe(256)
	defer cancel()

	a.backfill(ctx, c)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, isLearning := ev.(chain.LearningEventRecorded); !isLearning {
				continue
			}
			// The notification carries only the id; re-read the full log
			// entry from the chain.
			a.backfill(ctx, c)
		}
	}
}

func (a *Archive) backfill(ctx context.Context, c *chain.Chain) {
	last, err := a.LastEventID(ctx)
	if err != nil {
		a.logger.Error("failed to read archive position", zap.Error(err))
		return
	}
	for _, ev := range c.AllLearningEvents() {
		if ev.ID <= last {
			continue
		}
		if err := a.Record(ctx, ev); err != nil {
			a.logger.Error("failed to archive event",
				zap.Uint64("event_id", ev.ID),
				zap.Error(err),
			)
		}
	}
}

func (a *Archive) query(ctx context.Context, q string, args ...interface{}) ([]Row, error) {
	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var row Row
		var kind, payload string
		if err := rows.Scan(&row.EventID, &row.Agent, &kind, &payload, &row.ProducedAt, &row.TxAnchor); err != nil {
			return nil, fmt.Errorf("failed to scan archive row: %w", err)
		}
		row.Kind = chain.LearningEventKind(kind)
		row.Payload = json.RawMessage(payload)
		out = append(out, row)
	}
	return out, rows.Err()
}
