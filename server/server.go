package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ShareFM/app"
	"ShareFM/config"
	"ShareFM/logger"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// NewRouter 注册所有路由
func NewRouter(h *APIHandler) *mux.Router {
	router := mux.NewRouter()

	// 添加 CORS 中间件
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, HEAD")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Range")
			w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Range")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	// 每个请求带上 X-Request-Id，方便和索引请求的日志对上
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-Id")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", id)
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request",
				logger.String("id", id),
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path),
				logger.Duration("elapsed", time.Since(start)))
		})
	})

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.HealthHandler).Methods(http.MethodGet)
	api.HandleFunc("/shared", h.SharedHandler).Methods(http.MethodGet)
	api.HandleFunc("/shared/playlist", h.PlaylistHandler).Methods(http.MethodPost)
	api.HandleFunc("/content/decrypt", h.DecryptHandler).Methods(http.MethodPost)
	api.HandleFunc("/content/download", h.DownloadHandler).Methods(http.MethodPost)
	api.HandleFunc("/content/{contentId}/stream", h.StreamHandler).Methods(http.MethodGet, http.MethodHead)
	return router
}

// Start initializes and starts the HTTP server.
func Start(cfg *config.Config) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize", logger.ErrorField(err))
	}
	defer a.Close()

	// 解密可能较慢，写超时放宽
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      NewRouter(NewAPIHandler(a.Share, a.Checks())),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// 在goroutine中启动服务器
	go func() {
		logger.Info("Server starting", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", logger.ErrorField(err))
		}
	}()

	// 等待中断信号
	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 优雅关闭服务器
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", logger.ErrorField(err))
	}
	logger.Info("Server stopped")
}
