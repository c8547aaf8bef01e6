package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hitoshi/chatauth/internal/auth"
	"github.com/hitoshi/chatauth/internal/config"
	"github.com/hitoshi/chatauth/internal/coordinator"
	"github.com/hitoshi/chatauth/internal/database"
	"github.com/hitoshi/chatauth/internal/handler"
	"github.com/hitoshi/chatauth/internal/logger"
	"github.com/hitoshi/chatauth/internal/metrics"
	"github.com/hitoshi/chatauth/internal/middleware"
	"github.com/hitoshi/chatauth/internal/notify"
	"github.com/hitoshi/chatauth/internal/recovery"
	"github.com/hitoshi/chatauth/internal/repository"
	"github.com/hitoshi/chatauth/internal/security"
	"github.com/hitoshi/chatauth/internal/session"
	"github.com/hitoshi/chatauth/internal/worker/cleanup"
	"github.com/hitoshi/chatauth/internal/worker/persist"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	shutdownTimeout = 30 * time.Second
	cleanupInterval = 24 * time.Hour
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

	// 3. 設定されたログレベルを反映する
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。wにはログと管理サブコマンドの結果を出力する。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck/recover/diagnose は稼働中のサーバーを呼ぶだけなので、フル初期化をスキップする
	switch cmd {
	case CommandHealthcheck:
		return runHealthcheck(localBaseURL())
	case CommandRecover, CommandDiagnose:
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runAdminCommand(ctx, w, cmd, args[1:], localBaseURL(), os.Getenv("ADMIN_TOKEN"))
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("public_base_url", cfg.PublicBaseURL),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// localBaseURL は同一ホストで稼働するサーバーのURLを返す。
func localBaseURL() string {
	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}
	return "http://localhost:" + port
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーとバックグラウンドジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	// 起動時に到達できない場合は設定誤りとみなして終了する。稼働中の障害は縮退運転で吸収する。
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Info("database connection established")

	// 2. リポジトリの初期化
	recordRepo := repository.NewPostgresAuthRecordRepo(db)
	eventRepo := repository.NewPostgresAuthEventRepo(db)
	durable := repository.NewAuthStoreAdapter(recordRepo)
	history := recovery.NewHistory(recovery.DefaultHistorySize, eventRepo, log)

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 4. セキュリティサービスの初期化
	guard := security.NewOutboundGuard(security.OutboundConfig{
		AllowedHosts: cfg.NotifyAllowedHosts,
		AllowHTTP:    cfg.NotifyAllowHTTP,
	})
	sanitizer := security.NewTextSanitizer(0)

	// 5. 外部連携
	notifier := notify.NewClient(guard.NewClient(cfg.NotifyTimeout), guard, sanitizer, log, notify.Options{
		Tokens: botTokenSource(cfg),
	})
	provider := auth.NewOAuthProvider(auth.OAuthConfig{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		AuthURL:      cfg.OAuthAuthURL,
		TokenURL:     cfg.OAuthTokenURL,
		RedirectURL:  cfg.OAuthRedirectURL,
		Scopes:       cfg.OAuthScopes,
	})
	states := auth.NewStateStore(cfg.StateTTL, log)

	// 6. セッション調整
	pending := persist.NewWorker(repository.WithTimeout(durable, cfg.DurableTimeout), collector, log, persist.Config{
		MaxConcurrency: cfg.DurableRetryConcurrency,
	})
	coord := coordinator.New(coordinator.Deps{
		Sessions:  session.NewStore(),
		Durable:   durable,
		Provider:  provider,
		States:    states,
		Notifier:  notifier,
		Pending:   pending,
		History:   history,
		Metrics:   collector,
		Sanitizer: sanitizer,
		Logger:    log,
		Config: coordinator.Config{
			LoginTimeout:   cfg.LoginTimeout,
			StaleAfter:     cfg.ProcessingStaleAfter,
			SweepInterval:  cfg.TimeoutSweepInterval,
			SweepMargin:    cfg.TimeoutSweepMargin,
			NotifyTimeout:  cfg.NotifyTimeout,
			DurableTimeout: cfg.DurableTimeout,
			PublicBaseURL:  cfg.PublicBaseURL,
		},
	})
	collector.ObserveState(coord.StateFuncs())

	// 7. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.DefaultRateLimiterConfig().MessagesPerMinute(cfg.RateLimitMessages),
		log,
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:         log,
		RateLimiter:    rateLimiter,
		StatusRecorder: collector,
		AdminToken:     cfg.AdminToken,

		Turns:               coord,
		ServiceURLValidator: guard,

		Logins:   coord,
		States:   states,
		Provider: provider,
		AuthConfig: handler.AuthHandlerConfig{
			CookieSecure: cfg.CookieSecure,
			StateMaxAge:  int(cfg.StateTTL / time.Second),
		},

		Recovery:       coord.Recovery(),
		Events:         history,
		HealthChecker:  db,
		MetricsHandler: metrics.Handler(registry),
	})

	// 8. バックグラウンドジョブの起動
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cleanupJob := cleanup.NewCleanupJob(db, log, cfg.EventRetentionDays)

	var wg sync.WaitGroup
	background := []func(context.Context){
		coord.Start,
		func(ctx context.Context) { pending.Start(ctx, cfg.DurableRetryInterval) },
		func(ctx context.Context) { states.Start(ctx, 0) },
		func(ctx context.Context) { cleanupJob.Start(ctx, cleanupInterval) },
	}
	for _, job := range background {
		job := job
		wg.Add(1)
		go func() {
			defer wg.Done()
			job(ctx)
		}()
	}

	// 9. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.Duration("login_timeout", cfg.LoginTimeout),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-stop:
		log.Info("shutting down API server...")
	case err := <-serverErr:
		log.Error("server listen error", slog.String("error", err.Error()))
		runErr = fmt.Errorf("server listen failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("server shutdown failed: %w", err)
	}

	// 受付停止後にタイマーとジョブを止め、残った永続化を書き切る
	coord.Stop()
	cancel()
	wg.Wait()

	if n := pending.Drain(shutdownCtx); n > 0 || pending.Len() > 0 {
		log.Info("pending durable saves drained",
			slog.Int("saved", n),
			slog.Int("remaining", pending.Len()),
		)
	}

	if runErr == nil {
		log.Info("API server stopped gracefully")
	}
	return runErr
}

// botTokenSource はBot資格情報が設定されている場合にプロアクティブ送信用のトークンソースを返す。
func botTokenSource(cfg *config.Config) oauth2.TokenSource {
	if !cfg.BotCredentialsConfigured() {
		return nil
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.BotAppID,
		ClientSecret: cfg.BotAppSecret,
		TokenURL:     cfg.BotTokenURL,
	}
	if cfg.BotTokenScope != "" {
		cc.Scopes = []string{cfg.BotTokenScope}
	}
	return cc.TokenSource(context.Background())
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用し、適用後のバージョンをログに出す。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	status, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(status.Version)),
		slog.Bool("dirty", status.Dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(baseURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(strings.TrimSuffix(baseURL, "/") + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// runAdminCommand はrecover/diagnoseサブコマンドを実行する。
func runAdminCommand(ctx context.Context, w io.Writer, cmd Command, args []string, baseURL, token string) error {
	if token == "" {
		return errors.New("ADMIN_TOKEN is required")
	}

	allowAll := cmd == CommandRecover
	target, err := parseAdminTarget(args, allowAll)
	if err != nil {
		usage := "<user-id>"
		if allowAll {
			usage = "<user-id|--all>"
		}
		return fmt.Errorf("usage: %s %s: %w", cmd, usage, err)
	}

	client := newAdminClient(baseURL, token)
	switch cmd {
	case CommandRecover:
		return client.recover(ctx, w, target)
	case CommandDiagnose:
		return client.diagnose(ctx, w, target)
	default:
		return fmt.Errorf("unsupported admin command %q", cmd)
	}
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
