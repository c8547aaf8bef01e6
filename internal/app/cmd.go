package app

import (
	"errors"
	"fmt"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandRecover は稼働中のサーバーに対してユーザーの状態復旧を要求する。
	CommandRecover Command = "recover"
	// CommandDiagnose は稼働中のサーバーからユーザーの診断結果を取得する。
	CommandDiagnose Command = "diagnose"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	case "recover":
		return CommandRecover
	case "diagnose":
		return CommandDiagnose
	default:
		return CommandServe
	}
}

// adminTarget は管理サブコマンドの対象。All=trueの場合は追跡中の全ユーザー。
type adminTarget struct {
	UserID string
	All    bool
}

var errTargetRequired = errors.New("user ID is required")

// parseAdminTarget はrecover/diagnoseの引数を解析する。argsにはサブコマンド名を除いた引数を渡す。
// allowAllがtrueの場合のみ--allを受け付ける。
func parseAdminTarget(args []string, allowAll bool) (adminTarget, error) {
	if len(args) == 0 || args[0] == "" {
		return adminTarget{}, errTargetRequired
	}
	if len(args) > 1 {
		return adminTarget{}, fmt.Errorf("unexpected arguments: %v", args[1:])
	}
	if args[0] == "--all" {
		if !allowAll {
			return adminTarget{}, errors.New("--all is not supported for this command")
		}
		return adminTarget{All: true}, nil
	}
	return adminTarget{UserID: args[0]}, nil
}
