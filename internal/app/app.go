// Package app はアプリケーションの起動と依存関係のワイヤリングを行う。
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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/agendamail/internal/auth"
	"github.com/hitoshi/agendamail/internal/calendar"
	"github.com/hitoshi/agendamail/internal/config"
	"github.com/hitoshi/agendamail/internal/crypto"
	"github.com/hitoshi/agendamail/internal/database"
	"github.com/hitoshi/agendamail/internal/gemini"
	"github.com/hitoshi/agendamail/internal/handler"
	"github.com/hitoshi/agendamail/internal/logger"
	"github.com/hitoshi/agendamail/internal/mail"
	"github.com/hitoshi/agendamail/internal/metrics"
	"github.com/hitoshi/agendamail/internal/middleware"
	"github.com/hitoshi/agendamail/internal/pipeline"
	"github.com/hitoshi/agendamail/internal/repository"
	"github.com/hitoshi/agendamail/internal/scheduler"
	"github.com/hitoshi/agendamail/internal/summary"
	"github.com/hitoshi/agendamail/internal/token"
	"github.com/hitoshi/agendamail/internal/user"
	"github.com/hitoshi/agendamail/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// .envファイル（存在する場合）と環境変数からConfigを読み込み、
// JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. .envの読み込み（存在しない場合は無視）
	_ = godotenv.Load()

	// 2. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 3. 環境変数から設定を読み込む
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

// deliveryStack は配信処理の依存一式。serveとworkerの両モードで共有される。
type deliveryStack struct {
	userRepo   repository.UserRepository
	credRepo   repository.CredentialRepository
	sessRepo   repository.SessionRepository
	jobRepo    repository.JobRepository
	runLogRepo repository.RunLogRepository

	cipher    crypto.Cipher
	collector *metrics.Collector
	registry  *prometheus.Registry
	location  *time.Location

	pipeline  *pipeline.Pipeline
	scheduler *scheduler.Scheduler
}

// buildDeliveryStack はリポジトリから配信パイプライン・スケジューラまでを構築する。
// serveモードは即時配信（TriggerNow）のため、workerモードは定期実行のために使う。
func buildDeliveryStack(cfg *config.Config, db *sql.DB) (*deliveryStack, error) {
	location, err := time.LoadLocation(cfg.CanonicalTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid canonical timezone %q: %w", cfg.CanonicalTimezone, err)
	}

	cipher, err := crypto.NewAESGCMCipher(cfg.EncryptionSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	userRepo := repository.NewPostgresUserRepo(db)
	credRepo := repository.NewPostgresCredentialRepo(db)
	sessRepo := repository.NewPostgresSessionRepo(db)
	jobRepo := repository.NewPostgresJobRepo(db)
	runLogRepo := repository.NewPostgresRunLogRepo(db)

	refresher := token.NewRefresher(credRepo, cipher, collector, token.RefresherConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
	})

	fetcher := calendar.NewClient(&http.Client{Timeout: cfg.FetchTimeout}, slog.Default())
	generator := gemini.NewClient(&http.Client{Timeout: cfg.GenerateTimeout}, slog.Default(), cfg.GeminiAPIKey)
	summarizer := summary.NewSummarizer(generator, slog.Default(), summary.Config{
		GenerateTimeout: cfg.GenerateTimeout,
		Location:        location,
	})
	sender := mail.NewGmailSender(&http.Client{Timeout: cfg.SendTimeout}, slog.Default())

	pipe := pipeline.NewPipeline(
		refresher, fetcher, summarizer, sender,
		userRepo, runLogRepo, collector, slog.Default(),
		pipeline.Config{
			FetchTimeout: cfg.FetchTimeout,
			SendTimeout:  cfg.SendTimeout,
			Location:     location,
		},
	)

	sched := scheduler.NewScheduler(
		jobRepo, pipe, scheduler.SystemClock{}, collector, slog.Default(),
		scheduler.Config{
			PollInterval:   cfg.SchedulerPoll,
			DailyHourUTC:   cfg.DailyHourUTC,
			Broadcast:      cfg.DefaultMode == config.ModeBroadcast,
			MaxConcurrency: cfg.DeliverMaxConcurrent,
		},
	)

	return &deliveryStack{
		userRepo:   userRepo,
		credRepo:   credRepo,
		sessRepo:   sessRepo,
		jobRepo:    jobRepo,
		runLogRepo: runLogRepo,
		cipher:     cipher,
		collector:  collector,
		registry:   registry,
		location:   location,
		pipeline:   pipe,
		scheduler:  sched,
	}, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	stack, err := buildDeliveryStack(cfg, db)
	if err != nil {
		return err
	}

	// 認証サービスの初期化
	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	authService := auth.NewService(
		oauthProvider, stack.userRepo, stack.credRepo, stack.sessRepo, stack.cipher,
		auth.ServiceConfig{
			SessionMaxAge: cfg.SessionMaxAge,
			AdminEmails:   cfg.AdminEmails,
		},
	)

	userService := user.NewService(stack.userRepo, stack.credRepo)

	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitTrigger),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		UserResolver:      authService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		Scheduler:   stack.scheduler,
		JobQuery:    stack.jobRepo,
		Location:    stack.location,
		RunLogQuery: stack.runLogRepo,
		UserService: userService,

		MetricsHandler: metrics.SetupMetricsRoute(stack.registry),
		HealthCheck:    db.PingContext,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
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
// ジョブスケジューラと日次クリーンアップをバックグラウンド実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	stack, err := buildDeliveryStack(cfg, db)
	if err != nil {
		return err
	}

	cleanupJob := cleanup.NewCleanupJob(stack.runLogRepo, stack.jobRepo, slog.Default())
	cleanupJob.RunLogRetentionDays = cfg.RunLogRetentionDays
	cleanupJob.JobRetentionDays = cfg.JobRetentionDays

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
		slog.Duration("poll_interval", cfg.SchedulerPoll),
		slog.Int("daily_hour_utc", cfg.DailyHourUTC),
		slog.Int("max_concurrent", cfg.DeliverMaxConcurrent),
		slog.String("delivery_mode", string(cfg.DefaultMode)),
	)

	// クリーンアップジョブを日次でバックグラウンド実行
	go cleanupJob.Start(ctx)

	// ジョブスケジューラをメインgoroutineで実行（ブロッキング）
	stack.scheduler.Start(ctx)

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
