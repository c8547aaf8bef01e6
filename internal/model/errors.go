// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// 認証セッション調整で発生するエラー。
// 呼び出し側はerrors.Isで判定する。
var (
	// ErrNoCredential はセッションに資格情報が存在しないことを示す。
	ErrNoCredential = errors.New("no credential")
	// ErrInvalidCredential はIdPがトークンまたは認可コードを拒否したことを示す。
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrLockContention は同一ユーザーの処理またはログインが既に実行中であることを示す。
	// ユーザーには表示せず、呼び出し側で重複として破棄する。
	ErrLockContention = errors.New("lock contention")
	// ErrTimeoutExpired はログイン試行の期限が切れたことを示す。
	ErrTimeoutExpired = errors.New("login attempt timed out")
	// ErrDurableStoreUnavailable は永続ストアへのアクセスに失敗したことを示す。
	// 当該ターンはキャッシュのみで続行する。
	ErrDurableStoreUnavailable = errors.New("durable store unavailable")
	// ErrReconciliationConflict はキャッシュと永続ストアの値が食い違っていたことを示す。
	// 情報提供のみで致命的ではない。
	ErrReconciliationConflict = errors.New("reconciliation conflict")
	// ErrNoLoginInProgress は完了通知を受けたログイン試行が既に存在しないことを示す。
	ErrNoLoginInProgress = errors.New("no login in progress")
	// ErrInvalidState はOAuthのstateパラメータが無効または期限切れであることを示す。
	ErrInvalidState = errors.New("invalid oauth state")
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeAuthTimedOut    = "AUTH_TIMED_OUT"
	ErrCodeAuthFailed      = "AUTH_FAILED"
	ErrCodeInvalidState    = "INVALID_STATE"
	ErrCodeInvalidActivity = "INVALID_ACTIVITY"
	ErrCodeUserNotFound    = "USER_NOT_FOUND"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
)

// NewAuthTimedOutError はログインのタイムアウト通知を生成する。
// 何度送っても同じ内容になる。
func NewAuthTimedOutError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthTimedOut,
		Message:  "authentication timed out, please retry",
		Category: "auth",
		Action:   "サインインが時間内に完了しませんでした。「login」と送信してもう一度サインインしてください。",
	}
}

// NewAuthFailedError はログイン失敗の通知を生成する。
func NewAuthFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  "authentication failed, please retry",
		Category: "auth",
		Action:   "サインインに失敗しました。「login」と送信してもう一度サインインしてください。",
	}
}

// NewInvalidStateError はOAuthのstate不正エラーを生成する。
func NewInvalidStateError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidState,
		Message:  "サインイン要求が無効または期限切れです。",
		Category: "auth",
		Action:   "チャットで「login」と送信し、新しいサインインリンクを使用してください。",
	}
}

// NewInvalidActivityError は受信メッセージの形式エラーを生成する。
func NewInvalidActivityError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidActivity,
		Message:  fmt.Sprintf("受信メッセージの形式が不正です: %s", reason),
		Category: "validation",
		Action:   "送信元のチャネル設定を確認してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  fmt.Sprintf("指定されたユーザーは追跡されていません: %s", userID),
		Category: "validation",
		Action:   "ユーザーIDを確認してください。",
	}
}

// NewUnauthorizedError は管理APIの認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "管理トークンを指定してください。",
	}
}

// NoticeText はユーザー向けチャット通知の本文を組み立てる。
func (e *APIError) NoticeText() string {
	return e.Message + "\n" + e.Action
}
