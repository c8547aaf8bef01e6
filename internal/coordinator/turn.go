package coordinator

import (
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/chatauth/internal/model"
)

// Turn は受信した1件のメッセージを表す。
type Turn struct {
	UserID  string
	Text    string
	Routing model.RoutingInfo
}

// Reply はターン処理の結果を表す。
// Textが空でAuthenticatedがtrueの場合、呼び出し側はCredentialを使って後段の処理を行う。
type Reply struct {
	Text          string
	SignInURL     string
	Dropped       bool
	Degraded      bool
	Authenticated bool
	Credential    model.Credential
}

type command string

const (
	commandLogin   command = "login"
	commandLogout  command = "logout"
	commandCancel  command = "cancel"
	commandStatus  command = "status"
	commandMessage command = "message"
)

// parseCommand は前後の空白と先頭のスラッシュを除き、大文字小文字を区別せずにコマンドを判定する。
func parseCommand(text string) command {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.TrimPrefix(t, "/")
	switch command(t) {
	case commandLogin, commandLogout, commandCancel, commandStatus:
		return command(t)
	}
	return commandMessage
}

const (
	signInPromptText    = "サインインが必要です。「login」と送信してサインインしてください。"
	loginInProgressText = "サインイン手続き中です。ブラウザでサインインを完了するか、「cancel」と送信して取り消してください。"
	loginCancelledText  = "サインインを取り消しました。"
	noLoginToCancelText = "取り消すサインイン手続きはありません。"
	signedOutText       = "サインアウトしました。"
	notSignedInText     = "サインインしていません。"
)

func signInText(link string, ttl time.Duration) string {
	return fmt.Sprintf("次のリンクからサインインしてください（%d秒以内）: %s", int(ttl.Seconds()), link)
}

func signedInText(name string) string {
	if name == "" {
		return "サインインしました。"
	}
	return fmt.Sprintf("%s としてサインインしました。", name)
}

func alreadySignedInText(name string) string {
	if name == "" {
		return "既にサインインしています。"
	}
	return fmt.Sprintf("既に %s としてサインインしています。", name)
}

func statusSignedInText(name string, since time.Time) string {
	if name == "" {
		name = "（名前なし）"
	}
	return fmt.Sprintf("%s としてサインイン中です（%s から）。", name, since.UTC().Format(time.RFC3339))
}

func statusInProgressText(deadline time.Time) string {
	return fmt.Sprintf("サインイン手続き中です。期限: %s", deadline.UTC().Format(time.RFC3339))
}
