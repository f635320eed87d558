package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/omnihub/internal/store"
)

// PGUserStore implements store.UserStore backed by Postgres.
type PGUserStore struct {
	db *sql.DB
}

func NewPGUserStore(db *sql.DB) *PGUserStore {
	return &PGUserStore{db: db}
}

func (s *PGUserStore) GetByExternal(ctx context.Context, provider, externalID, instanceName string) (*store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT u.id, COALESCE(u.phone_number,''), COALESCE(u.whatsapp_jid,''),
		        u.instance_name, COALESCE(u.display_name,''),
		        COALESCE(u.last_agent_user_id,''), COALESCE(u.last_session_name_interaction,''),
		        u.last_seen_at, u.message_count, u.created_at
		 FROM users u
		 JOIN user_external_ids x ON x.user_id = u.id
		 WHERE x.provider = $1 AND x.external_id = $2 AND x.instance_name = $3`,
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

func (s *PGUserStore) Upsert(ctx context.Context, u *store.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, phone_number, whatsapp_jid, instance_name, display_name,
		   last_agent_user_id, last_session_name_interaction, last_seen_at, message_count, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (id) DO UPDATE SET
		   phone_number = EXCLUDED.phone_number,
		   whatsapp_jid = EXCLUDED.whatsapp_jid,
		   display_name = EXCLUDED.display_name,
		   last_agent_user_id = EXCLUDED.last_agent_user_id,
		   last_session_name_interaction = EXCLUDED.last_session_name_interaction,
		   last_seen_at = EXCLUDED.last_seen_at,
		   message_count = EXCLUDED.message_count`,
		u.ID, nullStr(u.PhoneNumber), nullStr(u.WhatsAppJID), u.InstanceName,
		nullStr(u.DisplayName), nullStr(u.LastAgentUserID), nullStr(u.LastSessionName),
		u.LastSeenAt, u.MessageCount, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	return nil
}

func (s *PGUserStore) LinkExternal(ctx context.Context, link *store.ExternalID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_external_ids (user_id, provider, external_id, instance_name)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (provider, external_id, instance_name) DO UPDATE SET user_id = EXCLUDED.user_id`,
		link.UserID, link.Provider, link.ExternalID, link.InstanceName,
	)
	if err != nil {
		return fmt.Errorf("link external id: %w", err)
	}
	return nil
}

func (s *PGUserStore) RecordInteraction(ctx context.Context, userID, sessionName, agentUserID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET
		   message_count = message_count + 1,
		   last_seen_at = $2,
		   last_session_name_interaction = $3,
		   last_agent_user_id = CASE WHEN $4 <> '' THEN $4 ELSE last_agent_user_id END
		 WHERE id = $1`,
		userID, time.Now().UTC(), sessionName, agentUserID,
	)
	if err != nil {
		return fmt.Errorf("record interaction for %s: %w", userID, err)
	}
	return nil
}
