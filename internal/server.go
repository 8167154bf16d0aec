package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/2beens/homeworkout/internal/auth"
	"github.com/2beens/homeworkout/internal/config"
	"github.com/2beens/homeworkout/internal/db"
	"github.com/2beens/homeworkout/internal/kv"
	"github.com/2beens/homeworkout/internal/middleware"
	"github.com/2beens/homeworkout/internal/telemetry/metrics"
	"github.com/2beens/homeworkout/internal/workout/handler"
	"github.com/2beens/homeworkout/internal/workout/remote"
	"github.com/2beens/homeworkout/internal/workout/stats"
	"github.com/2beens/homeworkout/internal/workout/store"
	workoutsync "github.com/2beens/homeworkout/internal/workout/sync"

	"github.com/IBM/pgxpoolprometheus"
	"github.com/coocood/freecache"
	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redis_rate/v9"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

const statsCacheSizeBytes = 1 * 1024 * 1024

type Server struct {
	httpServer        *http.Server
	metricsHttpServer *http.Server
	versionInfo       string

	config *config.Config
	dbPool *pgxpool.Pool

	redisClient  *redis.Client
	loginChecker *auth.LoginChecker
	authService  *auth.Service

	workoutStore *store.Store
	syncBridge   *workoutsync.Bridge
	analyzer     *stats.Analyzer
	statsCache   *freecache.Cache

	// metrics
	metricsManager *metrics.Manager
	promRegistry   *prometheus.Registry
}

type NewServerParams struct {
	Config            *config.Config
	VersionInfo       string
	AdminUsername     string
	AdminPasswordHash string
	RedisPassword     string
	TracingEnabled    bool
}

func NewServer(
	ctx context.Context,
	params NewServerParams,
) (*Server, error) {
	dbPool, err := db.NewDBPool(ctx, db.NewDBPoolParams{
		DBHost:         params.Config.PostgresHost,
		DBPort:         params.Config.PostgresPort,
		DBName:         params.Config.PostgresDBName,
		TracingEnabled: params.TracingEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("new db pool: %w", err)
	}

	if err := dbPool.Ping(ctx); err != nil {
		log.Warnf("failed to ping db: %s", err)
	}

	pgxpoolCollector := pgxpoolprometheus.NewCollector(
		dbPool,
		map[string]string{"db_name": params.Config.PostgresDBName},
	)
	promRegistry := metrics.SetupPrometheus(pgxpoolCollector)
	metricsManager := metrics.NewManager("backend", "workout", promRegistry)
	metricsManager.GaugeLifeSignal.Set(0)

	rdb := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(params.Config.RedisHost, params.Config.RedisPort),
		Password: params.RedisPassword,
		DB:       0, // use default DB
	})

	rdbStatus := rdb.Ping(ctx)
	if err := rdbStatus.Err(); err != nil {
		log.Errorf("--> failed to ping redis: %s", err)
	} else {
		log.Debugf("redis ping: %s", rdbStatus.Val())
	}

	authService := auth.NewAuthService(auth.Admin{
		Username:     params.AdminUsername,
		PasswordHash: params.AdminPasswordHash,
	}, auth.DefaultTTL, rdb)
	go func() {
		for range time.Tick(time.Hour * 8) {
			authService.ScanAndClean(ctx)
		}
	}()

	var storage kv.Storage
	switch params.Config.StorageBackend {
	case "disk":
		diskStorage, err := kv.NewDiskStorage(params.Config.StorageDiskDir)
		if err != nil {
			return nil, fmt.Errorf("new disk storage: %w", err)
		}
		storage = diskStorage
	default:
		storage = kv.NewRedisStorage(rdb)
	}

	workoutStore := store.New(storage)
	workoutStore.LoadConfig(ctx)
	if _, err := workoutStore.LoadState(ctx); err != nil {
		return nil, fmt.Errorf("load workout state: %w", err)
	}

	remoteRepo := remote.NewRepo(dbPool)
	if err := remoteRepo.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure remote schema: %w", err)
	}

	syncBridge := workoutsync.NewBridge(workoutStore, remoteRepo, metricsManager)
	authService.SubscribeAuthState(func(user *auth.User) {
		if user == nil {
			syncBridge.HandleAuthState(ctx, nil)
			return
		}
		syncBridge.HandleAuthState(ctx, &workoutsync.User{ID: user.ID})
	})

	return &Server{
		config:      params.Config,
		dbPool:      dbPool,
		versionInfo: params.VersionInfo,

		redisClient:  rdb,
		authService:  authService,
		loginChecker: auth.NewLoginChecker(auth.DefaultTTL, rdb),

		workoutStore: workoutStore,
		syncBridge:   syncBridge,
		analyzer:     stats.NewAnalyzer(workoutStore),
		statsCache:   freecache.NewCache(statsCacheSizeBytes),

		metricsManager: metricsManager,
		promRegistry:   promRegistry,
	}, nil
}

func (s *Server) routerSetup() *mux.Router {
	r := mux.NewRouter()
	r.Use(otelmux.Middleware("workout-router"))

	reqRateLimiter := redis_rate.NewLimiter(s.redisClient)

	authHandler := auth.NewHandler(s.authService)
	loginSubrouter := r.PathPrefix("/a").Subrouter()
	loginSubrouter.HandleFunc("/login", authHandler.HandleLogin).Methods("POST", "OPTIONS").Name("login")
	loginSubrouter.HandleFunc("/logout", authHandler.HandleLogout).Methods("POST", "OPTIONS").Name("logout")
	// rate limit the /login and /logout endpoints to prevent abuse
	loginSubrouter.Use(middleware.RateLimit(
		reqRateLimiter, "login",
		s.config.LoginRateLimitAllowedPerMin,
		s.metricsManager,
	))

	workoutHandler := handler.NewHandler(s.workoutStore, s.analyzer, s.statsCache, s.metricsManager)
	r.HandleFunc("/workout/week", workoutHandler.HandleGetWeek).Methods("GET", "OPTIONS").Name("get-week")
	r.HandleFunc("/workout/week/change", workoutHandler.HandleChangeWeek).Methods("POST", "OPTIONS").Name("change-week")
	r.HandleFunc("/workout/reps", workoutHandler.HandleSetReps).Methods("POST", "OPTIONS").Name("set-reps")
	r.HandleFunc("/workout/toggle", workoutHandler.HandleToggle).Methods("POST", "OPTIONS").Name("toggle-done")
	r.HandleFunc("/workout/set/finish", workoutHandler.HandleFinishSet).Methods("POST", "OPTIONS").Name("finish-set")
	r.HandleFunc("/workout/config", workoutHandler.HandleGetConfig).Methods("GET", "OPTIONS").Name("get-config")
	r.HandleFunc("/workout/config", workoutHandler.HandleSaveConfig).Methods("POST", "OPTIONS").Name("save-config")
	r.HandleFunc("/workout/stats", workoutHandler.HandleGetStats).Methods("GET", "OPTIONS").Name("get-stats")

	r.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Add("Content-Type", "text/plain")
		_, _ = w.Write([]byte(s.versionInfo))
	}).Methods("GET").Name("version")

	// all the rest - unhandled paths
	r.HandleFunc("/{unknown}", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}).Methods("GET", "POST", "PUT", "OPTIONS").Name("unknown")

	authMiddleware := middleware.NewAuthMiddlewareHandler(s.loginChecker)

	r.Use(middleware.PanicRecovery(s.metricsManager))
	r.Use(middleware.LogRequest())
	r.Use(middleware.RequestMetrics(s.metricsManager))
	r.Use(middleware.Cors())
	r.Use(authMiddleware.AuthCheck())
	r.Use(middleware.DrainAndCloseRequest())

	return r
}

func (s *Server) Serve(_ context.Context, host string, port int) {
	router := s.routerSetup()

	ipAndPort := net.JoinHostPort(host, strconv.Itoa(port))
	s.httpServer = &http.Server{
		Handler:      router,
		Addr:         ipAndPort,
		WriteTimeout: time.Minute,
		ReadTimeout:  time.Minute,
	}

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.HandlerFor(
		s.promRegistry,
		promhttp.HandlerOpts{},
	))
	metricsAddr := net.JoinHostPort(s.config.PrometheusMetricsHost, s.config.PrometheusMetricsPort)
	s.metricsHttpServer = &http.Server{
		Addr:    metricsAddr,
		Handler: metricsRouter,
	}

	go func() {
		log.Infof(" > server listening on: [%s]", ipAndPort)
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("workout service, listen and serve: %s", err)
		}
	}()

	go func() {
		log.Debugf(" > metrics listening on: [%s]", metricsAddr)
		err := s.metricsHttpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("metrics service, listen and serve: %s", err)
		}
	}()

	s.metricsManager.GaugeLifeSignal.Set(1)
}

func (s *Server) GracefulShutdown(ctx context.Context) {
	log.Debug("graceful shutdown initiated ...")

	s.metricsManager.GaugeLifeSignal.Set(0)

	// make sure a pending remote doc subscription is released
	s.syncBridge.HandleAuthState(ctx, nil)

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			log.Errorf("failed to close redis client conn: %s", err)
		}
	}

	if s.dbPool != nil {
		log.Debugln("closing db pool ...")
		s.dbPool.Close() // blocking operation
		log.Debugln("db pool closed")
	}

	if ok := sentry.Flush(5 * time.Second); ok {
		log.Debugf("sentry flush ok: %t", ok)
	}

	maxWaitDuration := time.Second * 15
	shutdownCtx, timeoutCancel := context.WithTimeout(context.Background(), maxWaitDuration)
	defer timeoutCancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error(" >>> failed to gracefully shutdown http server")
		}
		log.Warnln("server shut down")
	}

	if s.metricsHttpServer != nil {
		if err := s.metricsHttpServer.Shutdown(shutdownCtx); err != nil {
			log.Error(" >>> failed to gracefully shutdown metrics http server")
		}
		log.Warnln("metrics server shut down")
	}
}
