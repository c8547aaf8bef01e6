package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/chatauth/internal/model"
)

// PostgresAuthEventRepo はPostgreSQLを使用した認証イベントリポジトリ。
type PostgresAuthEventRepo struct {
	db *sql.DB
}

// NewPostgresAuthEventRepo はPostgresAuthEventRepoを生成する。
func NewPostgresAuthEventRepo(db *sql.DB) *PostgresAuthEventRepo {
	return &PostgresAuthEventRepo{db: db}
}

// Create はイベントを1件記録する。
func (r *PostgresAuthEventRepo) Create(ctx context.Context, event *model.AuthEvent) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO auth_events (id, user_id, kind, detail, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		event.ID, event.UserID, string(event.Kind), event.Detail, event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create auth event: %w", err)
	}
	return nil
}

// ListByUserID は指定ユーザーのイベントを新しい順に最大limit件返す。
func (r *PostgresAuthEventRepo) ListByUserID(ctx context.Context, userID string, limit int) ([]model.AuthEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, kind, detail, occurred_at
		 FROM auth_events
		 WHERE user_id = $1
		 ORDER BY occurred_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list auth events: %w", err)
	}
	defer rows.Close()

	var events []model.AuthEvent
	for rows.Next() {
		var e model.AuthEvent
		var kind string
		if err := rows.Scan(&e.ID, &e.UserID, &kind, &e.Detail, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan auth event: %w", err)
		}
		e.Kind = model.AuthEventKind(kind)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate auth events: %w", err)
	}
	return events, nil
}

// compile-time interface check
var _ AuthEventRepository = (*PostgresAuthEventRepo)(nil)

