package app

import (
	"fmt"
	"strconv"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はワーカーモード（メール配信とクリーンアップ）で起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandCancelEmail は送信待ちのメールを管理操作として取り消す。
	CommandCancelEmail Command = "cancel-email"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "worker":
		return CommandWorker
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "cancel-email":
		return CommandCancelEmail
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// MigrateDirection はマイグレーションの方向。
type MigrateDirection string

const (
	MigrateUp   MigrateDirection = "up"
	MigrateDown MigrateDirection = "down"
)

// MigrateArgs は migrate サブコマンドの引数。
type MigrateArgs struct {
	Direction MigrateDirection
	Steps     int
}

// ParseMigrateArgs は "migrate [up|down N]" の引数部分を解析する。
// 引数なしは up。down は取り消す件数が必須。
func ParseMigrateArgs(args []string) (MigrateArgs, error) {
	if len(args) == 0 || args[0] == string(MigrateUp) {
		return MigrateArgs{Direction: MigrateUp}, nil
	}
	if args[0] != string(MigrateDown) {
		return MigrateArgs{}, fmt.Errorf("unknown migrate direction %q (want up or down)", args[0])
	}
	if len(args) < 2 {
		return MigrateArgs{}, fmt.Errorf("migrate down requires the number of steps")
	}
	steps, err := strconv.Atoi(args[1])
	if err != nil || steps <= 0 {
		return MigrateArgs{}, fmt.Errorf("invalid migrate down steps %q", args[1])
	}
	return MigrateArgs{Direction: MigrateDown, Steps: steps}, nil
}

// CancelEmailArgs は cancel-email サブコマンドの引数。
type CancelEmailArgs struct {
	ID     string
	Reason string
}

// ParseCancelEmailArgs は "cancel-email <id> [reason]" の引数部分を解析する。
func ParseCancelEmailArgs(args []string) (CancelEmailArgs, error) {
	if len(args) == 0 || args[0] == "" {
		return CancelEmailArgs{}, fmt.Errorf("cancel-email requires an email id")
	}
	out := CancelEmailArgs{ID: args[0]}
	if len(args) > 1 {
		out.Reason = args[1]
	}
	return out, nil
}
