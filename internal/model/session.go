// Package model はドメインモデルを定義する。
package model

import "time"

// SessionState はユーザーの認証状態を表す。
type SessionState string

const (
	// StateUnauthenticated は未認証状態。セッションの初期値。
	StateUnauthenticated SessionState = "unauthenticated"
	// StateLoginInProgress はログインフロー実行中の状態。LoginLockの存在と対応する。
	StateLoginInProgress SessionState = "login_in_progress"
	// StateAuthenticated は認証済み状態。
	StateAuthenticated SessionState = "authenticated"
	// StateTimedOut はログインがタイムアウトした直後の一時状態。
	// クリーンアップ後はStateUnauthenticatedに戻る。
	StateTimedOut SessionState = "timed_out"
)

// Identity はIdPから取得したユーザーの表示情報を表す。
type Identity struct {
	DisplayName string
	Email       string
}

// TimestampPrecision は永続層(TIMESTAMPTZ)が保持できる時刻の精度。
// キャッシュ側の時刻もこの精度に丸めて、往復後も等価比較が成り立つようにする。
const TimestampPrecision = time.Microsecond

// Session はユーザーごとの認証セッション状態を表す。
// IdentityとCredentialはState == StateAuthenticatedの場合にのみ保持される。
type Session struct {
	UserID              string
	State               SessionState
	Identity            *Identity
	Credential          Credential
	LastAuthenticatedAt time.Time
}

// NewUnauthenticatedSession は未認証のデフォルトセッションを生成する。
func NewUnauthenticatedSession(userID string) Session {
	return Session{UserID: userID, State: StateUnauthenticated}
}

// IsAuthenticated は認証済みかどうかを返す。
func (s Session) IsAuthenticated() bool {
	return s.State == StateAuthenticated
}

// Normalize はIdentity/Credentialの保持条件を満たすようにセッションを整える。
// 認証済み以外の状態ではIdentityとCredentialを破棄する。
// StateTimedOutおよび空の状態はStateUnauthenticatedに畳み込む。
// LastAuthenticatedAtはTimestampPrecisionに丸め、単調時計の値を取り除く。
func (s Session) Normalize() Session {
	s.LastAuthenticatedAt = s.LastAuthenticatedAt.Truncate(TimestampPrecision)
	switch s.State {
	case StateAuthenticated, StateLoginInProgress:
	default:
		s.State = StateUnauthenticated
	}
	if s.State != StateAuthenticated {
		s.Identity = nil
		s.Credential = Credential{}
	}
	return s
}

// AuthRecord はユーザーごとの永続化された認証レコードを表す。
type AuthRecord struct {
	UserID              string
	Authenticated       bool
	DisplayName         string
	Email               string
	Credential          Credential
	LastAuthenticatedAt time.Time
	UpdatedAt           time.Time
}

// ToSession はAuthRecordをSessionに変換する。
func (r *AuthRecord) ToSession() Session {
	if !r.Authenticated {
		return Session{
			UserID:              r.UserID,
			State:               StateUnauthenticated,
			LastAuthenticatedAt: r.LastAuthenticatedAt,
		}.Normalize()
	}
	return Session{
		UserID:              r.UserID,
		State:               StateAuthenticated,
		Identity:            &Identity{DisplayName: r.DisplayName, Email: r.Email},
		Credential:          r.Credential,
		LastAuthenticatedAt: r.LastAuthenticatedAt,
	}.Normalize()
}

// NewAuthRecord はSessionから永続化用のAuthRecordを生成する。
// ログイン中の状態は永続化せず、未認証として記録する。
func NewAuthRecord(s Session, now time.Time) *AuthRecord {
	s = s.Normalize()
	rec := &AuthRecord{
		UserID:              s.UserID,
		Authenticated:       s.IsAuthenticated(),
		Credential:          s.Credential,
		LastAuthenticatedAt: s.LastAuthenticatedAt,
		UpdatedAt:           now,
	}
	if s.Identity != nil {
		rec.DisplayName = s.Identity.DisplayName
		rec.Email = s.Identity.Email
	}
	return rec
}
