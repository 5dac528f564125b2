package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はBFFサーバーとして起動する。既定のモード。
	CommandServe Command = "serve"
	// CommandCleanup は期限切れセッションのクリーンアップを1回実行する。
	CommandCleanup Command = "cleanup"
	// CommandMigrate はセッションストアのマイグレーションを実行する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はdistroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandCleanup):     CommandCleanup,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// lookupCommand はサブコマンドと、それが既知のコマンドとして指定されたかを返す。
// 引数が空の場合は既知として扱い、サポート外のコマンドの場合はCommandServeを返す。
func lookupCommand(args []string) (Command, bool) {
	if len(args) == 0 {
		return CommandServe, true
	}
	if cmd, ok := commands[args[0]]; ok {
		return cmd, true
	}
	return CommandServe, false
}
