package model

import (
	"crypto/sha256"
	"encoding/hex"
)

// Credential はIdPが発行したベアラートークンをラップする。
// ログやJSONに値が出力されないよう、文字列化は常に"[REDACTED]"を返す。
type Credential struct {
	value string
}

// NewCredential はトークン文字列からCredentialを生成する。
func NewCredential(value string) Credential {
	return Credential{value: value}
}

// Value はトークンの実値を返す。下流APIへの送信時のみ使用し、ログに出力しないこと。
func (c Credential) Value() string {
	return c.value
}

// IsEmpty はトークンが空かどうかを返す。
func (c Credential) IsEmpty() bool {
	return c.value == ""
}

// Fingerprint はログで同一トークンを突き合わせるための短いハッシュを返す。
func (c Credential) Fingerprint() string {
	if c.value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(c.value))
	return hex.EncodeToString(sum[:4])
}

// Equal はトークン値が一致するかを返す。
func (c Credential) Equal(other Credential) bool {
	return c.value == other.value
}

// String はfmt.Stringerを実装する。
func (c Credential) String() string {
	return "[REDACTED]"
}

// GoString は%#v書式でも値を出力しない。
func (c Credential) GoString() string {
	return "model.Credential{[REDACTED]}"
}

// MarshalJSON はJSONシリアライズ時に値を出力しない。
func (c Credential) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}
