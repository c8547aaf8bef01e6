// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/chatauth/internal/model"
)

// AuthRecordRepository はユーザーごとの認証レコードの永続化インターフェース。
type AuthRecordRepository interface {
	// FindByUserID は指定ユーザーの認証レコードを取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.AuthRecord, error)

	// Upsert は認証レコードを冪等に作成または上書きする。
	Upsert(ctx context.Context, record *model.AuthRecord) error
}

// AuthEventRepository は認証イベント履歴の永続化インターフェース。
type AuthEventRepository interface {
	// Create はイベントを1件記録する。
	Create(ctx context.Context, event *model.AuthEvent) error

	// ListByUserID は指定ユーザーのイベントを新しい順に最大limit件返す。
	ListByUserID(ctx context.Context, userID string, limit int) ([]model.AuthEvent, error)
}

// DurableAuthStore はコーディネーターが利用する永続ストアの狭いインターフェース。
// Loadはレコードが存在しない場合に(nil, nil)を返す。
type DurableAuthStore interface {
	Load(ctx context.Context, userID string) (*model.Session, error)
	Save(ctx context.Context, session model.Session) error
}
