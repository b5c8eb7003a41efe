package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	googleauth "chunklab-backend/internal/auth"
	"chunklab-backend/internal/batch"
	"chunklab-backend/internal/chunks"
	"chunklab-backend/internal/llm"
	openai "chunklab-backend/internal/llm/openai"
	"chunklab-backend/internal/projects"
	"chunklab-backend/internal/queue"
	"chunklab-backend/internal/shared/config"
	"chunklab-backend/internal/shared/server"
	"chunklab-backend/internal/shared/storage/db"
	"chunklab-backend/internal/shared/storage/object"
	localstore "chunklab-backend/internal/shared/storage/object/local"
	s3store "chunklab-backend/internal/shared/storage/object/s3"
	"chunklab-backend/internal/usage"
	"chunklab-backend/internal/users"
)

// App holds shared dependencies for the API server and the worker.
type App struct {
	Config config.Config
	Router *gin.Engine
	DB     *sql.DB
	Store  object.ObjectStore
	Queue  queue.Client
	LLM    llm.BatchClient

	ProjectsRepo projects.Repo
	ChunksRepo   chunks.Repo
	BatchRepo    batch.Repo
	UsersRepo    users.Repo

	UsageService *usage.Service
	BatchService *batch.Service
	Planner      *batch.Planner
	Reconciler   *batch.Reconciler
	UsersService *users.Service

	// JobReconciler allows the worker tests to substitute reconcile processing.
	JobReconciler JobReconciler

	ProjectHandler *projects.Handler
	ChunkHandler   *chunks.Handler
	BatchHandler   *batch.Handler
	UsageHandler   *usage.Handler
	UserHandler    *users.Handler
	GoogleAuth     *googleauth.GoogleService
}

// JobReconciler runs one reconcile pass for a job.
type JobReconciler interface {
	Reconcile(ctx context.Context, jobID string) error
}

// Build prepares shared dependencies and wires the router.
func Build(cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	ctx := context.Background()

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	queueClient, err := buildQueue(ctx, cfg)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config: cfg,
		DB:     sqlDB,
		Store:  store,
		Queue:  queueClient,
	}
	if err := buildServices(app); err != nil {
		return nil, err
	}

	app.Router = server.NewRouter(server.RouterDeps{
		Config:         app.Config,
		ProjectHandler: app.ProjectHandler,
		ChunkHandler:   app.ChunkHandler,
		BatchHandler:   app.BatchHandler,
		UsageHandler:   app.UsageHandler,
		UserHandler:    app.UserHandler,
		GoogleAuth:     app.GoogleAuth,
	})

	return app, nil
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: DATABASE_URL empty; using in-memory repositories")
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	opts := db.OptionsFromEnv(db.DefaultServerOptions())
	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, opts)
	if err != nil {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: database connect failed; using in-memory repositories: %v", err)
			return nil, nil
		}
		return nil, err
	}
	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

func buildQueue(ctx context.Context, cfg config.Config) (queue.Client, error) {
	if strings.TrimSpace(cfg.ReconcileQueueURL) == "" {
		return nil, nil
	}
	return queue.NewSQSClient(ctx)
}

func buildLLM(cfg config.Config) (llm.BatchClient, error) {
	apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if cfg.LLMProvider == "openai" && apiKey != "" {
		return openai.NewClient(apiKey, cfg.LLMModel)
	}
	if !isDevLike(cfg.Env) {
		return nil, fmt.Errorf("LLM_PROVIDER=%s requires OPENAI_API_KEY", cfg.LLMProvider)
	}
	log.Printf("bootstrap: no llm credentials; using placeholder batch client")
	return llm.PlaceholderClient{}, nil
}

func buildServices(app *App) error {
	cfg := app.Config

	var (
		projectRepo projects.Repo
		chunkRepo   chunks.Repo
		batchRepo   batch.Repo
		userRepo    users.Repo
		planRepo    usage.PlanRepo
	)
	if app.DB != nil {
		projectRepo = &projects.PGRepo{DB: app.DB}
		chunkRepo = &chunks.PGRepo{DB: app.DB}
		batchRepo = &batch.PGRepo{DB: app.DB}
		userRepo = &users.PGRepo{DB: app.DB}
		planRepo = &usage.PGPlanRepo{DB: app.DB}
	} else {
		projectRepo = projects.NewMemoryRepo()
		chunkRepo = chunks.NewMemoryRepo()
		batchRepo = batch.NewMemoryRepo()
		userRepo = users.NewMemoryRepo()
		planRepo = usage.NewMemoryPlanRepo()
	}

	usageSvc := &usage.Service{
		Jobs:              batchRepo,
		Plans:             planRepo,
		DefaultDailyLimit: cfg.DailyJobQuota,
	}

	llmClient, err := buildLLM(cfg)
	if err != nil {
		return err
	}
	app.LLM = llmClient

	limits := batch.Limits{
		MaxChunksPerJob:  cfg.MaxChunksPerJob,
		MaxAvgChunkChars: cfg.MaxAvgChunkChars,
		MaxTotalChars:    cfg.MaxTotalChars,
		SnapshotCapChars: cfg.SnapshotCapChars,
		CompletionWindow: cfg.CompletionWindow,
	}

	batchSvc := &batch.Service{
		Repo:     batchRepo,
		Projects: projectRepo,
		Chunks:   chunkRepo,
		Usage:    usageSvc,
		Client:   llmClient,
		Store:    app.Store,
		Model:    cfg.LLMModel,
		Limits:   limits,
	}
	planner := &batch.Planner{
		Service:  batchSvc,
		Repo:     batchRepo,
		Projects: projectRepo,
		Usage:    usageSvc,
	}
	reconciler := &batch.Reconciler{
		Repo:             batchRepo,
		Chunks:           chunkRepo,
		Client:           llmClient,
		Store:            app.Store,
		SnapshotCapChars: cfg.SnapshotCapChars,
	}

	userSvc := users.NewService(userRepo)
	googleAuthSvc := googleauth.NewGoogleService(
		cfg.GoogleClientID,
		cfg.GoogleClientSecret,
		cfg.GoogleRedirectURL,
		cfg.UIRedirectURL,
		userSvc,
	)

	app.ProjectsRepo = projectRepo
	app.ChunksRepo = chunkRepo
	app.BatchRepo = batchRepo
	app.UsersRepo = userRepo
	app.UsageService = usageSvc
	app.BatchService = batchSvc
	app.Planner = planner
	app.Reconciler = reconciler
	app.JobReconciler = reconciler
	app.UsersService = userSvc
	app.ProjectHandler = projects.NewHandler(projectRepo)
	app.ChunkHandler = chunks.NewHandler(chunkRepo, projectRepo)
	app.BatchHandler = batch.NewHandler(batchSvc, planner, reconciler, app.Queue)
	app.UsageHandler = usage.NewHandler(usageSvc)
	app.UserHandler = users.NewHandler(userSvc)
	app.GoogleAuth = googleAuthSvc

	return nil
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}
