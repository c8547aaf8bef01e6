package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/chatauth/internal/model"
)

// PostgresAuthRecordRepo はPostgreSQLを使用した認証レコードリポジトリ。
type PostgresAuthRecordRepo struct {
	db *sql.DB
}

// NewPostgresAuthRecordRepo はPostgresAuthRecordRepoを生成する。
func NewPostgresAuthRecordRepo(db *sql.DB) *PostgresAuthRecordRepo {
	return &PostgresAuthRecordRepo{db: db}
}

// FindByUserID は指定ユーザーの認証レコードを取得する。見つからない場合はnilを返す。
func (r *PostgresAuthRecordRepo) FindByUserID(ctx context.Context, userID string) (*model.AuthRecord, error) {
	rec := &model.AuthRecord{}
	var credential string
	var lastAuthenticatedAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, authenticated, display_name, email, credential, last_authenticated_at, updated_at
		 FROM auth_records
		 WHERE user_id = $1`,
		userID,
	).Scan(&rec.UserID, &rec.Authenticated, &rec.DisplayName, &rec.Email, &credential, &lastAuthenticatedAt, &rec.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find auth record: %w", err)
	}

	rec.Credential = model.NewCredential(credential)
	if lastAuthenticatedAt.Valid {
		rec.LastAuthenticatedAt = lastAuthenticatedAt.Time
	}
	return rec, nil
}

// Upsert は認証レコードを冪等に作成または上書きする。
func (r *PostgresAuthRecordRepo) Upsert(ctx context.Context, record *model.AuthRecord) error {
	var lastAuthenticatedAt sql.NullTime
	if !record.LastAuthenticatedAt.IsZero() {
		lastAuthenticatedAt = sql.NullTime{Time: record.LastAuthenticatedAt, Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO auth_records (user_id, authenticated, display_name, email, credential, last_authenticated_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id) DO UPDATE SET
		   authenticated = EXCLUDED.authenticated,
		   display_name = EXCLUDED.display_name,
		   email = EXCLUDED.email,
		   credential = EXCLUDED.credential,
		   last_authenticated_at = EXCLUDED.last_authenticated_at,
		   updated_at = EXCLUDED.updated_at`,
		record.UserID, record.Authenticated, record.DisplayName, record.Email,
		record.Credential.Value(), lastAuthenticatedAt, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert auth record: %w", err)
	}
	return nil
}

// compile-time interface check
var _ AuthRecordRepository = (*PostgresAuthRecordRepo)(nil)
