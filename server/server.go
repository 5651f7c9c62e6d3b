package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"SyncFM/cache"
	"SyncFM/config"
	"SyncFM/core/auth"
	"SyncFM/core/playlist"
	"SyncFM/core/session"
	"SyncFM/db"
	"SyncFM/logger"
	"SyncFM/model"
	"SyncFM/repository"
	"SyncFM/storage"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
)

// 收件箱文件静默多久后导入
const inboxQuietPeriod = 2 * time.Second

// NewRouter registers every route. Reads are public; playlist changes and
// HTTP actions need a control token when authentication is enabled.
func NewRouter(h *APIHandler) http.Handler {
	router := mux.NewRouter()

	// WebSocket
	router.HandleFunc("/ws", h.HandleWebSocket)
	router.HandleFunc("/ws/{session_id}", h.HandleWebSocket)

	// 会话
	router.HandleFunc("/api/sessions", h.ListSessionsHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/sessions/{session_id}", h.GetSessionHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/sessions/{session_id}/state", h.GetSessionStateHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/sessions/{session_id}/actions", h.AuthMiddleware(h.SubmitActionHandler)).Methods(http.MethodPost)

	// 播放列表
	router.HandleFunc("/api/playlist", h.GetPlaylistHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/upload", h.AuthMiddleware(h.UploadTrackHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/playlist/upload-art", h.AuthMiddleware(h.UploadArtHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/playlist/delete", h.AuthMiddleware(h.DeleteTrackHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/playlist/rename", h.AuthMiddleware(h.RenameTrackHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/playlist/reorder", h.AuthMiddleware(h.ReorderHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/tracks/{id}/stream", h.StreamHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/tracks/{id}/art", h.ArtHandler).Methods(http.MethodGet)

	// 认证
	router.HandleFunc("/api/auth/token", h.TokenHandler).Methods(http.MethodPost)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Filename"},
		MaxAge:         86400,
	})
	return c.Handler(router)
}

// Start initializes and starts the HTTP server.
func Start() {
	cfg := config.Load()
	logger.InitLogger(cfg.LoggerConfig())
	defer logger.Sync()

	// 数据库
	if err := db.ConnectGormDB(cfg); err != nil {
		logger.Fatal("Failed to connect to database", logger.ErrorField(err))
	}
	defer db.CloseGormDB()
	if err := db.AutoMigrateModels(&model.Track{}); err != nil {
		logger.Fatal("Failed to migrate database", logger.ErrorField(err))
	}

	// 对象存储
	media, err := storage.NewMediaStore(context.Background(), cfg)
	if err != nil {
		logger.Fatal("Failed to initialize MinIO", logger.ErrorField(err))
	}

	// Redis 可选：快照恢复 + 在线状态
	var (
		presence session.Presence
		online   OnlineCounter
		opts     []session.ManagerOption
	)
	if cfg.RedisEnabled() {
		if err := cache.ConnectRedis(cfg); err != nil {
			logger.Warn("Redis unavailable, running without snapshots", logger.ErrorField(err))
		} else {
			defer cache.CloseRedis()
			sessionCache := cache.NewSessionCache()
			presence = sessionCache
			online = sessionCache
			opts = append(opts, session.WithSnapshotStore(sessionCache))
			logger.Info("Successfully connected to Redis")
		}
	}

	// NATS 可选：状态事件
	if cfg.NATSURL != "" {
		publisher, err := session.ConnectEventPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix)
		if err != nil {
			logger.Warn("NATS unavailable, state events disabled", logger.ErrorField(err))
		} else {
			defer publisher.Close()
			opts = append(opts, session.WithObserver(publisher))
		}
	}

	hub := session.NewHub(presence)
	go hub.Run()
	defer hub.Stop()

	trackRepo := repository.NewGormTrackRepository(db.GormDB)
	playlistService := playlist.NewService(trackRepo, media, nil, cfg.MaxUploadBytes)
	manager := session.NewManager(hub, playlistService, opts...)
	playlistService.SetRemover(manager)

	var issuer *auth.TokenIssuer
	if cfg.AuthEnabled() {
		issuer = auth.NewTokenIssuer(cfg.JWTSecret, cfg.ControlPasswordHash, cfg.TokenTTL)
		logger.Info("Control authentication enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.InboxDir != "" {
		watcher, err := playlist.NewInboxWatcher(cfg.InboxDir, playlistService, clockwork.NewRealClock(), inboxQuietPeriod)
		if err != nil {
			logger.Error("Failed to start inbox watcher", logger.ErrorField(err))
		} else {
			go watcher.Run(ctx)
			logger.Info("Watching inbox", logger.String("dir", cfg.InboxDir))
		}
	}

	apiHandler := NewAPIHandler(playlistService, manager, online, issuer, cfg)

	// 设置服务器超时，WebSocket 写超时由 WritePump 负责
	server := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     NewRouter(apiHandler),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// 创建一个通道来接收操作系统信号
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Server starting", logger.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", logger.ErrorField(err))
		}
	}()

	// 等待中断信号
	<-stop
	logger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	// 优雅关闭服务器
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", logger.ErrorField(err))
	}
	logger.Info("Server stopped")
}
