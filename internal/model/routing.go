package model

import "time"

// RoutingInfo は後からプロアクティブにメッセージを送るための宛先情報。
// 元のリクエストへの参照は持たず、シリアライズ可能な値のみを保持する。
type RoutingInfo struct {
	ServiceURL     string `json:"service_url"`
	ChannelID      string `json:"channel_id"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	UserName       string `json:"user_name,omitempty"`
	BotID          string `json:"bot_id,omitempty"`
	TenantID       string `json:"tenant_id,omitempty"`
}

// IsAddressable はプロアクティブ送信に必要な情報が揃っているかを返す。
func (r RoutingInfo) IsAddressable() bool {
	return r.ServiceURL != "" && r.ConversationID != ""
}

// LoginLock はユーザーごとに高々1つ存在するログイン試行のロック。
type LoginLock struct {
	UserID     string    `json:"user_id"`
	AttemptID  string    `json:"attempt_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	Deadline   time.Time `json:"deadline"`
}

// TimeoutEntry はLoginLockと1対1で対応するキャンセル可能な期限。
type TimeoutEntry struct {
	UserID    string
	AttemptID string
	FireAt    time.Time
	Routing   RoutingInfo
}

// ProcessingGuard はユーザーのメッセージを処理中であることを示すマーカー。
type ProcessingGuard struct {
	UserID     string    `json:"user_id"`
	Token      string    `json:"-"`
	AcquiredAt time.Time `json:"acquired_at"`
}
