package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/omnihub/internal/store"
)

// SQLiteUserStore implements store.UserStore for standalone deployments.
type SQLiteUserStore struct {
	db *sql.DB
}

func NewSQLiteUserStore(db *sql.DB) *SQLiteUserStore {
	return &SQLiteUserStore{db: db}
}

func (s *SQLiteUserStore) GetByExternal(ctx context.Context, provider, externalID, instanceName string) (*store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT u.id, COALESCE(u.phone_number,''), COALESCE(u.whatsapp_jid,''),
		        u.instance_name, COALESCE(u.display_name,''),
		        COALESCE(u.last_agent_user_id,''), COALESCE(u.last_session_name_interaction,''),
		        u.last_seen_at, u.message_count, u.created_at
		 FROM users u
		 JOIN user_external_ids x ON x.user_id = u.id
		 WHERE x.provider = ? AND x.external_id = ? AND x.instance_name = ?`,
		provider, externalID, instanceName)

	var u store.User
	err := row.Scan(&u.ID, &u.PhoneNumber, &u.WhatsAppJID, &u.InstanceName, &u.DisplayName,
		&u.LastAgentUserID, &u.LastSessionName, &u.LastSeenAt, &u.MessageCount, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by external id: %w", err)
	}
	return &u, nil
}

func (s *SQLiteUserStore) Upsert(ctx context.Context, u *store.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, phone_number, whatsapp_jid, instance_name, display_name,
		   last_agent_user_id, last_session_name_interaction, last_seen_at, message_count, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT (id) DO UPDATE SET
		   phone_number = excluded.phone_number,
		   whatsapp_jid = excluded.whatsapp_jid,
		   display_name = excluded.display_name,
		   last_agent_user_id = excluded.last_agent_user_id,
		   last_session_name_interaction = excluded.last_session_name_interaction,
		   last_seen_at = excluded.last_seen_at,
		   message_count = excluded.message_count`,
		u.ID, u.PhoneNumber, u.WhatsAppJID, u.InstanceName, u.DisplayName,
		u.LastAgentUserID, u.LastSessionName, u.LastSeenAt, u.MessageCount, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	return nil
}

func (s *SQLiteUserStore) LinkExternal(ctx context.Context, link *store.ExternalID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_external_ids (user_id, provider, external_id, instance_name)
		 VALUES (?,?,?,?)
		 ON CONFLICT (provider, external_id, instance_name) DO UPDATE SET user_id = excluded.user_id`,
		link.UserID, link.Provider, link.ExternalID, link.InstanceName,
	)
	if err != nil {
		return fmt.Errorf("link external id: %w", err)
	}
	return nil
}

func (s *SQLiteUserStore) RecordInteraction(ctx context.Context, userID, sessionName, agentUserID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET
		   message_count = message_count + 1,
		   last_seen_at = ?,
		   last_session_name_interaction = ?,
		   last_agent_user_id = CASE WHEN ? <> '' THEN ? ELSE last_agent_user_id END
		 WHERE id = ?`,
		time.Now().UTC(), sessionName, agentUserID, agentUserID, userID,
	)
	if err != nil {
		return fmt.Errorf("record interaction for %s: %w", userID, err)
	}
	return nil
}
