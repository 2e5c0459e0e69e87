package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/opentalon/orchestra/internal/events"
)

const writeTimeout = 5 * time.Second

// Journal appends events to the database. It satisfies events.Sink; wrap it
// in events.NewAsync to keep writes off the request path.
type Journal struct {
	db     *DB
	logger zerolog.Logger
}

func New(db *DB, logger zerolog.Logger) *Journal {
	return &Journal{db: db, logger: logger.With().Str("component", "journal").Logger()}
}

// Emit writes e and logs, rather than returns, any failure.
func (j *Journal) Emit(e events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := j.Append(ctx, e); err != nil {
		j.logger.Error().Err(err).Str("event", string(e.Type)).Msg("journal write failed")
	}
}

func (j *Journal) Append(ctx context.Context, e events.Event) error {
	fields := ""
	if len(e.Fields) > 0 {
		b, err := json.Marshal(e.Fields)
		if err != nil {
			return fmt.Errorf("journal: encode fields: %w", err)
		}
		fields = string(b)
	}
	_, err := j.db.db.ExecContext(ctx, j.db.rebind(
		`INSERT INTO events (id, type, occurred_at, correlation_id, workflow_id, step_id, tool_id, capability, attempt, message, fields)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, string(e.Type), e.Time.UnixNano(), e.CorrelationID, e.WorkflowID, e.StepID,
		e.ToolID, e.Capability, e.Attempt, e.Message, fields)
	if err != nil {
		return fmt.Errorf("journal: insert: %w", err)
	}
	return nil
}

// Recent returns every event of one request in the order it occurred.
func (j *Journal) Recent(ctx context.Context, correlationID string) ([]events.Event, error) {
	return j.query(ctx, `WHERE correlation_id = ? ORDER BY occurred_at, id`, correlationID)
}

// ToolHistory returns the latest limit events that name toolID, newest first.
func (j *Journal) ToolHistory(ctx context.Context, toolID string, limit int) ([]events.Event, error) {
	return j.query(ctx, `WHERE tool_id = ? ORDER BY occurred_at DESC, id LIMIT ?`, toolID, limit)
}

// Prune deletes events older than before and reports how many were removed.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.db.ExecContext(ctx, j.db.rebind(`DELETE FROM events WHERE occurred_at < ?`), before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	return res.RowsAffected()
}

func (j *Journal) query(ctx context.Context, where string, args ...any) ([]events.Event, error) {
	rows, err := j.db.db.QueryContext(ctx, j.db.rebind(
		`SELECT id, type, occurred_at, correlation_id, workflow_id, step_id, tool_id, capability, attempt, message, fields
		 FROM events `+where), args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			e      events.Event
			typ    string
			at     int64
			fields string
		)
		if err := rows.Scan(&e.ID, &typ, &at, &e.CorrelationID, &e.WorkflowID, &e.StepID,
			&e.ToolID, &e.Capability, &e.Attempt, &e.Message, &fields); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.Type = events.Type(typ)
		e.Time = time.Unix(0, at).UTC()
		if fields != "" {
			if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
				return nil, fmt.Errorf("journal: decode fields of %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
