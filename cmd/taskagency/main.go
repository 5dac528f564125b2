// Command taskagency はタスク報酬型エージェンシーのBFFサーバーを起動する。
//
// 使い方:
//
//	taskagency [serve|migrate|cleanup|healthcheck]
package main

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/hitoshi/taskagency/internal/app"
)

func main() {
	// .envがあれば読み込む。既に設定された環境変数は上書きしない
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env", slog.String("error", err.Error()))
	}

	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
