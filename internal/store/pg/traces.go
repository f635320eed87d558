package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/omnihub/internal/store"
)

// PGTraceStore implements store.TraceStore backed by Postgres. Each write is
// its own committed statement so a crash leaves a durable partial trace.
type PGTraceStore struct {
	db *sql.DB
}

func NewPGTraceStore(db *sql.DB) *PGTraceStore {
	return &PGTraceStore{db: db}
}

const traceColumns = `trace_id, instance_name, channel_type, sender_id, sender_name,
	message_id, message_type, has_media, session_name, agent_session_id, status,
	received_at, agent_request_at, agent_response_at, evolution_send_at, completed_at,
	total_processing_time_ms, agent_response_success, evolution_success,
	error_message, error_stage`

func (s *PGTraceStore) CreateTrace(ctx context.Context, rec *store.TraceRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_traces (`+traceColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		 ON CONFLICT (trace_id) DO NOTHING`,
		rec.TraceID, rec.InstanceName, rec.ChannelType, rec.SenderID, rec.SenderName,
		rec.MessageID, rec.MessageType, rec.HasMedia, rec.SessionName,
		nullStr(rec.AgentSessionID), rec.Status,
		rec.ReceivedAt, rec.AgentRequestAt, rec.AgentResponseAt, rec.EvolutionSendAt,
		rec.CompletedAt, rec.ProcessingTimeMS, rec.AgentSuccess, rec.EvolutionSuccess,
		nullStr(rec.ErrorMessage), nullStr(rec.ErrorStage),
	)
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}

func (s *PGTraceStore) UpdateTrace(ctx context.Context, traceID string, upd store.TraceUpdate) error {
	sets := []string{"status = $1"}
	args := []any{upd.Status}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.AgentSessionID != nil {
		add("agent_session_id", *upd.AgentSessionID)
	}
	if upd.AgentRequestAt != nil {
		add("agent_request_at", *upd.AgentRequestAt)
	}
	if upd.AgentResponseAt != nil {
		add("agent_response_at", *upd.AgentResponseAt)
	}
	if upd.EvolutionSendAt != nil {
		add("evolution_send_at", *upd.EvolutionSendAt)
	}
	if upd.CompletedAt != nil {
		add("completed_at", *upd.CompletedAt)
	}
	if upd.ProcessingTimeMS != nil {
		add("total_processing_time_ms", *upd.ProcessingTimeMS)
	}
	if upd.AgentSuccess != nil {
		add("agent_response_success", *upd.AgentSuccess)
	}
	if upd.EvolutionSuccess != nil {
		add("evolution_success", *upd.EvolutionSuccess)
	}
	if upd.ErrorMessage != nil {
		add("error_message", *upd.ErrorMessage)
	}
	if upd.ErrorStage != nil {
		add("error_stage", *upd.ErrorStage)
	}
	args = append(args, traceID)
	q := fmt.Sprintf(`UPDATE message_traces SET %s WHERE trace_id = $%d`,
		strings.Join(sets, ", "), len(args))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("update trace %s: %w", traceID, err)
	}
	return nil
}

func (s *PGTraceStore) GetTrace(ctx context.Context, traceID string) (*store.TraceRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+traceColumns+` FROM message_traces WHERE trace_id = $1`, traceID)
	rec, err := scanTrace(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trace %s: %w", traceID, err)
	}
	return rec, nil
}

func (s *PGTraceStore) ListRecent(ctx context.Context, limit int) ([]store.TraceRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+traceColumns+` FROM message_traces ORDER BY received_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	var out []store.TraceRecord
	for rows.Next() {
		rec, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *PGTraceStore) AddPayload(ctx context.Context, p *store.TracePayload) error {
	if p.ID == "" {
		p.ID = uuid.Must(uuid.NewV7()).String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trace_payloads (id, trace_id, stage, payload_type, status_code,
		   error_details, payload_compressed, payload_size_bytes, contains_media, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		p.ID, p.TraceID, p.Stage, p.PayloadType, nullInt(p.StatusCode),
		nullStr(p.ErrorDetails), p.Compressed, p.SizeBytes, p.ContainsMedia, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trace payload: %w", err)
	}
	return nil
}

func (s *PGTraceStore) ListPayloads(ctx context.Context, traceID string) ([]store.TracePayload, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trace_id, stage, payload_type, COALESCE(status_code, 0),
		        COALESCE(error_details, ''), payload_compressed, payload_size_bytes,
		        contains_media, created_at
		 FROM trace_payloads WHERE trace_id = $1 ORDER BY created_at, id`, traceID)
	if err != nil {
		return nil, fmt.Errorf("list payloads: %w", err)
	}
	defer rows.Close()

	var out []store.TracePayload
	for rows.Next() {
		var p store.TracePayload
		if err := rows.Scan(&p.ID, &p.TraceID, &p.Stage, &p.PayloadType, &p.StatusCode,
			&p.ErrorDetails, &p.Compressed, &p.SizeBytes, &p.ContainsMedia, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payload: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGTraceStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	// Payloads first: no FK cascade assumed.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM trace_payloads WHERE trace_id IN
		   (SELECT trace_id FROM message_traces WHERE received_at < $1)`, cutoff); err != nil {
		return 0, fmt.Errorf("delete old payloads: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM message_traces WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old traces: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrace(row rowScanner) (*store.TraceRecord, error) {
	var rec store.TraceRecord
	var agentSessionID, errMsg, errStage sql.NullString
	var procMS sql.NullInt64
	err := row.Scan(&rec.TraceID, &rec.InstanceName, &rec.ChannelType, &rec.SenderID,
		&rec.SenderName, &rec.MessageID, &rec.MessageType, &rec.HasMedia, &rec.SessionName,
		&agentSessionID, &rec.Status, &rec.ReceivedAt, &rec.AgentRequestAt,
		&rec.AgentResponseAt, &rec.EvolutionSendAt, &rec.CompletedAt, &procMS,
		&rec.AgentSuccess, &rec.EvolutionSuccess, &errMsg, &errStage)
	if err != nil {
		return nil, err
	}
	rec.AgentSessionID = agentSessionID.String
	rec.ProcessingTimeMS = procMS.Int64
	rec.ErrorMessage = errMsg.String
	rec.ErrorStage = errStage.String
	return &rec, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
