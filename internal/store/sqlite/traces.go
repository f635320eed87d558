package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/omnihub/internal/store"
)

// SQLiteTraceStore implements store.TraceStore for standalone deployments.
type SQLiteTraceStore struct {
	db *sql.DB
}

func NewSQLiteTraceStore(db *sql.DB) *SQLiteTraceStore {
	return &SQLiteTraceStore{db: db}
}

const traceColumns = `trace_id, instance_name, channel_type, sender_id, sender_name,
	message_id, message_type, has_media, session_name, agent_session_id, status,
	received_at, agent_request_at, agent_response_at, evolution_send_at, completed_at,
	total_processing_time_ms, agent_response_success, evolution_success,
	error_message, error_stage`

func (s *SQLiteTraceStore) CreateTrace(ctx context.Context, rec *store.TraceRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_traces (`+traceColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.TraceID, rec.InstanceName, rec.ChannelType, rec.SenderID, rec.SenderName,
		rec.MessageID, rec.MessageType, rec.HasMedia, rec.SessionName,
		rec.AgentSessionID, rec.Status,
		rec.ReceivedAt, rec.AgentRequestAt, rec.AgentResponseAt, rec.EvolutionSendAt,
		rec.CompletedAt, rec.ProcessingTimeMS, rec.AgentSuccess, rec.EvolutionSuccess,
		rec.ErrorMessage, rec.ErrorStage,
	)
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}

func (s *SQLiteTraceStore) UpdateTrace(ctx context.Context, traceID string, upd store.TraceUpdate) error {
	sets := []string{"status = ?"}
	args := []any{upd.Status}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
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
	q := "UPDATE message_traces SET " + strings.Join(sets, ", ") + " WHERE trace_id = ?"
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("update trace %s: %w", traceID, err)
	}
	return nil
}

func (s *SQLiteTraceStore) GetTrace(ctx context.Context, traceID string) (*store.TraceRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+traceColumns+` FROM message_traces WHERE trace_id = ?`, traceID)
	rec, err := scanTrace(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trace %s: %w", traceID, err)
	}
	return rec, nil
}

func (s *SQLiteTraceStore) ListRecent(ctx context.Context, limit int) ([]store.TraceRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+traceColumns+` FROM message_traces ORDER BY received_at DESC LIMIT ?`, limit)
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

func (s *SQLiteTraceStore) AddPayload(ctx context.Context, p *store.TracePayload) error {
	if p.ID == "" {
		p.ID = uuid.Must(uuid.NewV7()).String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trace_payloads (id, trace_id, stage, payload_type, status_code,
		   error_details, payload_compressed, payload_size_bytes, contains_media, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.TraceID, p.Stage, p.PayloadType, p.StatusCode, p.ErrorDetails,
		p.Compressed, p.SizeBytes, p.ContainsMedia, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trace payload: %w", err)
	}
	return nil
}

func (s *SQLiteTraceStore) ListPayloads(ctx context.Context, traceID string) ([]store.TracePayload, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trace_id, stage, payload_type, COALESCE(status_code, 0),
		        COALESCE(error_details, ''), payload_compressed, payload_size_bytes,
		        contains_media, created_at
		 FROM trace_payloads WHERE trace_id = ? ORDER BY created_at, id`, traceID)
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

func (s *SQLiteTraceStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM trace_payloads WHERE trace_id IN
		   (SELECT trace_id FROM message_traces WHERE received_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("delete old payloads: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM message_traces WHERE received_at < ?`, cutoff)
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
	var agentSessionID, errMsg, errStage, senderID, senderName, msgID, msgType, sessName sql.NullString
	var procMS sql.NullInt64
	err := row.Scan(&rec.TraceID, &rec.InstanceName, &rec.ChannelType, &senderID,
		&senderName, &msgID, &msgType, &rec.HasMedia, &sessName,
		&agentSessionID, &rec.Status, &rec.ReceivedAt, &rec.AgentRequestAt,
		&rec.AgentResponseAt, &rec.EvolutionSendAt, &rec.CompletedAt, &procMS,
		&rec.AgentSuccess, &rec.EvolutionSuccess, &errMsg, &errStage)
	if err != nil {
		return nil, err
	}
	rec.SenderID = senderID.String
	rec.SenderName = senderName.String
	rec.MessageID = msgID.String
	rec.MessageType = msgType.String
	rec.SessionName = sessName.String
	rec.AgentSessionID = agentSessionID.String
	rec.ProcessingTimeMS = procMS.Int64
	rec.ErrorMessage = errMsg.String
	rec.ErrorStage = errStage.String
	return &rec, nil
}
