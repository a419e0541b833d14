package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はプロフィールストアAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandAgent は認証フェーズエージェントとして起動することを示す。
	CommandAgent Command = "agent"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
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
	case "agent":
		return CommandAgent
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// healthcheckTarget はhealthcheckサブコマンドの確認対象を返す。
// "healthcheck agent" の場合はエージェント、それ以外はAPIサーバー。
func healthcheckTarget(args []string) Command {
	if len(args) > 1 && args[1] == string(CommandAgent) {
		return CommandAgent
	}
	return CommandServe
}
