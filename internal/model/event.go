package model

import "time"

// AuthEventKind は認証イベントの種別。
type AuthEventKind string

const (
	EventLoginStarted       AuthEventKind = "login_started"
	EventLoginSucceeded     AuthEventKind = "login_succeeded"
	EventLoginFailed        AuthEventKind = "login_failed"
	EventLoginCancelled     AuthEventKind = "login_cancelled"
	EventLoginTimedOut      AuthEventKind = "login_timed_out"
	EventLogout             AuthEventKind = "logout"
	EventReconciled         AuthEventKind = "reconciled"
	EventDurableDegraded    AuthEventKind = "durable_degraded"
	EventRecovered          AuthEventKind = "recovered"
	EventDuplicateDropped   AuthEventKind = "duplicate_dropped"
	EventStaleGuardReleased AuthEventKind = "stale_guard_released"
)

// AuthEvent はユーザーごとの認証イベント履歴の1件を表す。
type AuthEvent struct {
	ID         string        `json:"id"`
	UserID     string        `json:"user_id"`
	Kind       AuthEventKind `json:"kind"`
	Detail     string        `json:"detail,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}
