package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/apigateway/internal/audit"
	"github.com/nao1215/apigateway/internal/config"
	"github.com/nao1215/apigateway/internal/handler"
	"github.com/nao1215/apigateway/internal/route"
	"github.com/nao1215/apigateway/pkg/middleware"
)

// Recorder は処理したリクエストを監査ログに記録する。
type Recorder interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Server はAPI GatewayのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// settings は起動時に読み込んだ設定。
	settings *config.Settings
	// table はルートテーブル。
	table *route.Table
	// registry は拡張ハンドラのレジストリ。
	registry *handler.Registry
	// hc は拡張ハンドラとプロキシが共有する設定。
	hc handler.Context
	// metrics はPrometheusメトリクス。
	metrics *Metrics
	// recorder は監査ログの記録先。nilの場合は記録しない。
	recorder Recorder
	// closers はサーバー終了時に閉じるリソース。
	closers []func() error
}

// options はNewServerのオプション。
type options struct {
	verifier     middleware.Verifier
	recorder     Recorder
	registryOpts []handler.RegistryOption
}

// Option はServerの構築を変更する関数。
type Option func(*options)

// WithVerifier はトークン検証に使うVerifierを差し替える。
func WithVerifier(v middleware.Verifier) Option {
	return func(o *options) {
		o.verifier = v
	}
}

// WithRecorder は監査ログの記録先を設定する。
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

// WithHandlerFactory は拡張ハンドラのファクトリを追加する。
func WithHandlerFactory(id string, f handler.Factory) Option {
	return func(o *options) {
		o.registryOpts = append(o.registryOpts, handler.WithFactory(id, f))
	}
}

// NewServer は設定からGatewayサーバーを生成する。
// ルートテーブルと拡張ハンドラの検証はここで行い、不正な設定はエラーになる。
func NewServer(settings *config.Settings, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	table, err := route.NewTable(settings.Routes)
	if err != nil {
		return nil, fmt.Errorf("ルートテーブルの構築に失敗: %w", err)
	}

	hc := handler.NewContext(settings)
	registry, err := handler.NewRegistry(hc, table, o.registryOpts...)
	if err != nil {
		return nil, fmt.Errorf("拡張ハンドラの登録に失敗: %w", err)
	}

	verifier := o.verifier
	if verifier == nil {
		verifier, err = middleware.NewJWKSVerifier(middleware.VerifierConfig{
			JWKSURL:            settings.Auth.JWKSURL,
			Issuer:             settings.Auth.Issuer,
			Audience:           settings.Auth.Auth0Audience,
			Algorithms:         settings.Auth.Algorithms,
			CacheTTL:           settings.Auth.JWKSCacheTTL,
			MinRefreshInterval: settings.Auth.JWKSMinRefreshInterval,
			Timeout:            settings.Backends.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("トークン検証の初期化に失敗: %w", err)
		}
	}

	s := &Server{
		settings: settings,
		table:    table,
		registry: registry,
		hc:       hc,
		metrics:  NewMetrics(),
		recorder: o.recorder,
	}

	if s.recorder == nil && settings.Audit.DatabasePath != "" {
		store, err := audit.Open(settings.Audit.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("監査ログの初期化に失敗: %w", err)
		}
		s.recorder = store
		s.closers = append(s.closers, store.Close)
	}

	s.router = gin.New()
	s.router.Use(middleware.Recovery())
	s.router.Use(middleware.RequestID())
	s.router.Use(gin.Logger())
	s.router.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   settings.CORS.AllowedOrigins,
		AllowedMethods:   settings.CORS.AllowedMethods,
		AllowedHeaders:   settings.CORS.AllowedHeaders,
		AllowCredentials: settings.CORS.AllowCredentials,
	}))
	s.router.Use(s.observe())
	s.setupRoutes(verifier)

	log.Printf("[Gateway] ルートを%d件読み込みました", table.Len())
	return s, nil
}

// setupRoutes はゲートウェイ自身のエンドポイントとディスパッチャを登録する。
func (s *Server) setupRoutes(verifier middleware.Verifier) {
	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": s.settings.AppName})
	})
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	// それ以外の全てのパスは認証後にルートテーブルで振り分ける
	s.router.NoRoute(middleware.BearerAuth(verifier), s.dispatch)
}

// observe はリクエストの入出力をログに残し、ディスパッチしたリクエストをメトリクスと監査ログに記録する。
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		log.Printf("[Gateway] リクエスト受信: %s %s", c.Request.Method, c.Request.URL.String())

		c.Next()

		status := c.Writer.Status()
		log.Printf("[Gateway] レスポンス: status=%d", status)

		// /health などゲートウェイ自身のエンドポイントは記録しない
		if c.FullPath() != "" {
			return
		}

		duration := time.Since(start)
		service := c.GetString(contextKeyService)
		s.metrics.RecordRequest(service, c.Request.Method, status, duration)

		if s.recorder == nil {
			return
		}
		entry := audit.Entry{
			RequestID: middleware.GetRequestID(c),
			Method:    c.Request.Method,
			Path:      c.Request.URL.Path,
			Service:   service,
			Status:    status,
			Subject:   middleware.GetUserID(c),
			Duration:  duration,
		}
		if err := s.recorder.Record(context.WithoutCancel(c.Request.Context()), entry); err != nil {
			log.Printf("[Audit] 監査ログの記録に失敗: %v", err)
		}
	}
}

// Handler はサーバーのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Table はサーバーのルートテーブルを返す。
func (s *Server) Table() *route.Table {
	return s.table
}

// Registry は拡張ハンドラのレジストリを返す。
func (s *Server) Registry() *handler.Registry {
	return s.registry
}

// Run はHTTPサーバーを起動し、ctxが終了したらグレースフルシャットダウンする。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         ":" + s.settings.Server.Port,
		Handler:      s.router,
		ReadTimeout:  s.settings.Server.ReadTimeout,
		WriteTimeout: s.settings.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Gateway] %sを起動します: %s", s.settings.AppName, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf("[Gateway] シャットダウンします")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.settings.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("シャットダウンに失敗: %w", err)
	}
	log.Printf("[Gateway] 停止しました")
	return nil
}

// Close はサーバーが保持するリソースを解放する。
func (s *Server) Close() error {
	var errs []error
	for _, closeFn := range s.closers {
		errs = append(errs, closeFn())
	}
	return errors.Join(errs...)
}
