package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/taskagency/internal/account"
	"github.com/hitoshi/taskagency/internal/auth"
	"github.com/hitoshi/taskagency/internal/config"
	"github.com/hitoshi/taskagency/internal/database"
	"github.com/hitoshi/taskagency/internal/handler"
	"github.com/hitoshi/taskagency/internal/level"
	"github.com/hitoshi/taskagency/internal/logger"
	"github.com/hitoshi/taskagency/internal/metrics"
	"github.com/hitoshi/taskagency/internal/middleware"
	"github.com/hitoshi/taskagency/internal/pocketbase"
	"github.com/hitoshi/taskagency/internal/profile"
	"github.com/hitoshi/taskagency/internal/record"
	"github.com/hitoshi/taskagency/internal/repository"
	"github.com/hitoshi/taskagency/internal/session"
	"github.com/hitoshi/taskagency/internal/view"
	"github.com/hitoshi/taskagency/internal/withdrawal"
	"github.com/hitoshi/taskagency/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. LOG_LEVELに合わせてロガーを再設定する
	level, ok := logger.ParseLevel(cfg.LogLevel)
	if !ok {
		slog.Warn("unknown LOG_LEVEL, falling back to info", slog.String("log_level", cfg.LogLevel))
	}
	logger.SetupDefaultWithLevel(w, level)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, known := lookupCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	if !known {
		slog.Warn("unknown command, falling back to serve", slog.String("command", args[0]))
	}
	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandCleanup:
		return runCleanup(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := database.Open(ctx, cfg.DatabaseURL, database.DefaultPoolOptions())
	if err != nil {
		return nil, err
	}
	slog.Info("database connection established")
	return db, nil
}

// openRedis はRedisクライアントを生成し、疎通を確認する。
func openRedis(cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("redis connection established", slog.String("addr", cfg.RedisAddr))
	return client, nil
}

// newViewEnv は画面の状態機械が使う依存をまとめる。
func newViewEnv(cfg *config.Config, pb *pocketbase.Client, levels level.Source, withdrawals view.WithdrawalLister, collector *metrics.Collector) view.Env {
	return view.Env{
		Loader:         profile.NewRemoteLoader(pb, ""),
		Policy:         pocketbase.RetryPolicy{Delays: cfg.FetchRetryDelays},
		Metrics:        collector,
		Levels:         levels,
		Withdrawals:    withdrawals,
		Location:       cfg.Location(),
		ReferralBase:   cfg.ReferralBaseURL,
		StaleOnFailure: cfg.StaleOnFailure,
		Logger:         slog.Default(),
	}
}

// newLevelSource は設定に応じたレベル表の取得元を返す。
func newLevelSource(cfg *config.Config, client *pocketbase.Client) level.Source {
	if cfg.LevelSource == config.LevelSourceRemote {
		return level.NewRemoteSourceFromClient(client, cfg.LevelCacheTTL, slog.Default())
	}
	return level.DefaultSource()
}

// runServe はAPIサーバーモードで起動する。
// DB・Redis・リモートストアへの接続を準備し、全依存関係をワイヤリングしてHTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB・Redis接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb, err := openRedis(cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 3. リモートストアクライアント
	pb, err := pocketbase.NewClient(pocketbase.Config{
		URL:        cfg.PocketBaseURL,
		HTTPClient: &http.Client{Timeout: cfg.RemoteTimeout},
		Logger:     slog.Default(),
		Observer:   collector,
	})
	if err != nil {
		return fmt.Errorf("failed to create remote client: %w", err)
	}

	// 4. リポジトリ・セッション
	sessionRepo := repository.NewPostgresSessionRepo(db)
	prefRepo := repository.NewRedisPreferenceRepo(rdb)
	sessions := session.NewRegistry(sessionRepo, pb, time.Duration(cfg.SessionMaxAge)*time.Second, slog.Default())

	// 5. ドメインサービスの初期化
	withdrawalService := withdrawal.NewService(withdrawal.Config{
		Records:   pb.Collection(record.CollectionWithdrawals),
		Prefs:     withdrawal.NewPreferenceStore(prefRepo, cfg.RememberTTL),
		MinAmount: cfg.MinWithdrawal,
		Metrics:   collector,
		Logger:    slog.Default(),
	})

	// 画面と /api/levels は同じ取得元を使い、キャッシュを共有する
	levels := newLevelSource(cfg, pb)
	workspaces := view.NewManager(sessions, newViewEnv(cfg, pb, levels, withdrawalService, collector))
	defer workspaces.Close()

	authService := auth.NewService(
		pb, pb.Collection(record.CollectionUsers), sessions, workspaces,
		auth.NewRedisCaptchaStore(rdb), collector,
		auth.ServiceConfig{CaptchaTTL: cfg.CaptchaTTL},
	)

	accountService := account.NewService(account.Config{
		Users:     pb.Collection(record.CollectionUsers),
		AuditLogs: pb.Collection(record.CollectionAuditLogs),
		Auth:      pb,
		Sessions:  sessions,
		Metrics:   collector,
		Logger:    slog.Default(),
	})

	// 6. ルーターの構築（req/min → req/sec に変換）
	rateLimiter := middleware.NewRateLimiter(
		middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitWithdrawal),
	)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Workspaces:        workspaces,
		WorkspaceDropper:  workspaces,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter: rateLimiter,
		AccessLog:   middleware.NewLoggingMiddleware(slog.Default()),
		Recovery:    middleware.NewRecoveryMiddleware(slog.Default()),

		Database:       db,
		Remote:         pb,
		MetricsHandler: metrics.Handler(registry),

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		AccountService:    accountService,
		WithdrawalService: withdrawalService,
		LevelHandler:      handler.NewLevelHandler(levels),
		SessionEvents:     handler.SessionEventsConfig{AllowedOrigin: cfg.CORSAllowedOrigin},
	}

	router := handler.NewRouter(deps)

	// 7. 期限切れセッションのクリーンアップを日次でバックグラウンド実行
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cleanupJob := cleanup.NewCleanupJob(sessionRepo, slog.Default())
	cleanupJob.RetentionDays = cfg.SessionRetentionDays
	go runDaily(ctx, cleanupJob)

	// 無操作または期限切れのセッションの画面状態をメモリから破棄する
	go workspaces.RunEviction(ctx, evictionInterval(cfg.SessionIdleTimeout), cfg.SessionIdleTimeout)

	// 8. HTTPサーバーの起動
	// WebSocket接続を保つためWriteTimeoutは設定しない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.String("level_source", cfg.LevelSource),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// evictionInterval は無操作時間の半分を破棄の間隔とする。ただし1分未満にはしない。
func evictionInterval(idle time.Duration) time.Duration {
	if interval := idle / 2; interval > time.Minute {
		return interval
	}
	return time.Minute
}

// runDaily はクリーンアップジョブを起動直後に1回、以後24時間ごとに実行する。
func runDaily(ctx context.Context, job *cleanup.CleanupJob) {
	if err := job.Run(ctx); err != nil {
		slog.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := job.Run(ctx); err != nil {
				slog.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}

// runCleanup は期限切れセッションのクリーンアップを1回実行する。
// 外部スケジューラ（cronなど）からの起動を想定している。
func runCleanup(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	job := cleanup.NewCleanupJob(repository.NewPostgresSessionRepo(db), slog.Default())
	job.RetentionDays = cfg.SessionRetentionDays
	return job.Run(context.Background())
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL, slog.Default())
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
