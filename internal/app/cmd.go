package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は補償返金の再試行とクリーンアップを常駐で実行することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandRetryRefunds は未解決の補償返金を1回だけ再試行して終了することを示す。
	// 障害復旧後の手動実行を想定している。
	CommandRetryRefunds Command = "retry-refunds"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

var knownCommands = map[string]Command{
	string(CommandServe):        CommandServe,
	string(CommandWorker):       CommandWorker,
	string(CommandMigrate):      CommandMigrate,
	string(CommandRetryRefunds): CommandRetryRefunds,
	string(CommandHealthcheck):  CommandHealthcheck,
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := knownCommands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}
