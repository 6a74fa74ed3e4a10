package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/chatcore/internal/auth"
	"github.com/hitoshi/chatcore/internal/config"
	"github.com/hitoshi/chatcore/internal/database"
	"github.com/hitoshi/chatcore/internal/handler"
	"github.com/hitoshi/chatcore/internal/logger"
	"github.com/hitoshi/chatcore/internal/metrics"
	"github.com/hitoshi/chatcore/internal/middleware"
	"github.com/hitoshi/chatcore/internal/notification"
	"github.com/hitoshi/chatcore/internal/quota"
	"github.com/hitoshi/chatcore/internal/repository"
	"github.com/hitoshi/chatcore/internal/security"
	"github.com/hitoshi/chatcore/internal/user"
	"github.com/hitoshi/chatcore/internal/worker/dispatch"
	"github.com/hitoshi/chatcore/internal/worker/reset"
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

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

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

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// newRenderer は通知の配信先レンダラーを生成する。
// WebhookEndpointが設定されていればSSRF防止付きのWebhook配信、
// 未設定であればログ出力のみのレンダラーを返す。
func newRenderer(cfg *config.Config, sanitizer security.ContentSanitizerService) (notification.Renderer, error) {
	if cfg.WebhookEndpoint == "" {
		slog.Info("webhook endpoint not configured, notifications will be logged only")
		return notification.NewLogRenderer(slog.Default()), nil
	}

	guard := security.NewWebhookGuard()
	renderer, err := notification.NewWebhookRenderer(guard, sanitizer, notification.WebhookRendererConfig{
		Endpoint: cfg.WebhookEndpoint,
		Timeout:  cfg.WebhookTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook renderer: %w", err)
	}
	return renderer, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	profileRepo := repository.NewPostgresProfileRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	prefRepo := repository.NewPostgresPreferenceRepo(db)

	// 3. セキュリティサービスの初期化
	sanitizer := security.NewContentSanitizer()

	// 4. ドメインサービスの初期化
	provider := auth.NewHTTPIdentityProvider(auth.HTTPProviderConfig{
		Endpoint: cfg.IdentityEndpoint,
		APIKey:   cfg.IdentityAPIKey,
	})

	// 認証セッションはリクエストごとに独立した状態機械として生成する
	sessionFactory := func() handler.AuthSessionInterface {
		return auth.NewSession(provider, profileRepo, sessionRepo, auth.Config{
			SessionMaxAge: cfg.SessionMaxAge,
		})
	}

	userService := user.NewService(profileRepo, sessionRepo, prefRepo, cfg.DeletionGraceDur)
	meter := quota.NewMeter(profileRepo, cfg.ResetMaxRetries)

	// 5. 通知キューの初期化
	renderer, err := newRenderer(cfg, sanitizer)
	if err != nil {
		return err
	}
	queue := notification.NewQueue(renderer, slog.Default(), notification.QueueConfig{
		CollapseWindow: cfg.CollapseWindow,
	})
	defer queue.Stop()

	// 6. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 7. ルーターの構築
	// configのレート値はreq/min単位なのでreq/secに変換する
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	rateLimiterCfg.MessageRate = rate.Limit(float64(cfg.RateLimitMessage) / 60.0)
	rateLimiterCfg.MessageBurst = cfg.RateLimitMessage

	deps := &handler.RouterDeps{
		SessionFinder:     sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       middleware.NewRateLimiter(rateLimiterCfg),
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},

		Sessions: sessionFactory,
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		UserService: userService,

		Meter:     meter,
		Sanitizer: sanitizer,

		Queue: queue,

		Collector: collector,
		Gatherer:  registry,

		DB: db,
	}

	router := handler.NewRouter(deps)

	// 8. HTTPサーバーの起動
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

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// カウンターリセットのcronスケジューラと、削除猶予期間を超過した
// アカウントの整理ワーカーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	profileRepo := repository.NewPostgresProfileRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	prefRepo := repository.NewPostgresPreferenceRepo(db)

	// 3. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("purge_interval", cfg.PurgeInterval),
		slog.Int("reset_batch_size", cfg.ResetBatchSize),
	)

	// 4. カウンターリセットのcronスケジューラをバックグラウンドで起動
	resetter := reset.NewResetter(profileRepo, collector, slog.Default(), cfg.ResetBatchSize)
	if err := resetter.Start(ctx); err != nil {
		return fmt.Errorf("failed to start counter reset worker: %w", err)
	}

	// 5. 整理ワーカーをメインgoroutineで実行（ブロッキング）
	userService := user.NewService(profileRepo, sessionRepo, prefRepo, cfg.DeletionGraceDur)
	purgeWorker := dispatch.NewWorker(
		userService,
		dispatch.NewSessionCleanupJob(db, slog.Default()),
		slog.Default(),
		cfg.ResetBatchSize,
	)
	purgeWorker.Start(ctx, cfg.PurgeInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
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
