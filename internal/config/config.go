package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nao1215/apigateway/internal/route"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultSettingsPath は SETTINGS_PATH が未設定の場合に読み込む設定ファイル。
	DefaultSettingsPath = "settings.yaml"

	// defaultBackendTimeout はバックエンド呼び出しのデフォルトタイムアウト。
	defaultBackendTimeout = 5 * time.Second
)

// Settings はゲートウェイ全体の設定。
type Settings struct {
	// AppName はアプリケーション名。
	AppName string `yaml:"app_name"`
	// Environment は実行環境名（development, production など）。
	Environment string `yaml:"environment"`
	// Auth は認証に関する設定。
	Auth AuthConfig `yaml:"auth"`
	// CORS はCORSミドルウェアの設定。
	CORS CORSConfig `yaml:"cors"`
	// Server はHTTPサーバーの設定。
	Server ServerConfig `yaml:"server"`
	// Backends は拡張ハンドラが呼び出すバックエンドサービスの設定。
	Backends BackendsConfig `yaml:"backends"`
	// Audit はリクエスト監査ログの設定。
	Audit AuditConfig `yaml:"audit"`
	// Routes はルートテーブルの定義。宣言順がマッチングの優先順位になる。
	Routes []route.Definition `yaml:"routes"`
}

// AuthConfig はトークン検証とバックエンド認証の設定。
type AuthConfig struct {
	Auth0Domain   string `yaml:"auth0_domain"`
	Auth0Audience string `yaml:"auth0_audience"`
	// BackendAPIKey は全てのバックエンド呼び出しに付与する X-API-Key。
	BackendAPIKey string `yaml:"backend_api_key"`
	// Issuer は期待する iss クレーム。未指定の場合は https://{auth0_domain}/ になる。
	Issuer string `yaml:"issuer"`
	// JWKSURL は署名鍵セットの取得先。未指定の場合はAuth0ドメインから導出する。
	JWKSURL string `yaml:"jwks_url"`
	// Algorithms は許可する署名アルゴリズム。
	Algorithms []string `yaml:"algorithms"`
	// EnforceScopes が true の場合、required_scopes を満たさないリクエストを403で拒否する。
	EnforceScopes bool `yaml:"enforce_scopes"`
	// JWKSCacheTTL は取得した鍵セットを再利用する期間。
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
	// JWKSMinRefreshInterval は未知のkidによる再取得の最小間隔。
	JWKSMinRefreshInterval time.Duration `yaml:"jwks_min_refresh_interval"`
}

// CORSConfig はCORSの許可設定。
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BackendsConfig は拡張ハンドラの呼び出し先。
type BackendsConfig struct {
	// Core はユーザープロフィールを提供するサービス。
	Core string `yaml:"core"`
	// Conversations は会話サービス。
	Conversations string `yaml:"conversations"`
	// Tags はタグサービス。
	Tags string `yaml:"tags"`
	// Timeout は1回のバックエンド呼び出しのタイムアウト。
	Timeout time.Duration `yaml:"timeout"`
}

// AuditConfig は監査ログの設定。DatabasePath が空の場合は監査ログを無効にする。
type AuditConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// DefaultSettings はデフォルト値を設定したSettingsを返す。
func DefaultSettings() *Settings {
	return &Settings{
		AppName:     "api-gateway",
		Environment: "development",
		Auth: AuthConfig{
			JWKSCacheTTL:           10 * time.Minute,
			JWKSMinRefreshInterval: 30 * time.Second,
		},
		CORS: CORSConfig{
			AllowCredentials: true,
		},
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Backends: BackendsConfig{
			Core:          "http://backend-core-api",
			Conversations: "http://conversations-api",
			Tags:          "http://tags-api",
			Timeout:       defaultBackendTimeout,
		},
	}
}

// Load は設定ファイルを読み込み、環境変数による上書きと検証を行う。
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイルの読み込みに失敗 %s: %w", path, err)
	}
	return Parse(data)
}

// Parse はYAMLのバイト列から設定を生成する。
func Parse(data []byte) (*Settings, error) {
	s := DefaultSettings()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("設定ファイルのパースに失敗: %w", err)
	}

	applyEnvOverrides(s)
	s.applyDerived()

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}
	return s, nil
}

// applyEnvOverrides は環境変数で設定値を上書きする。
func applyEnvOverrides(s *Settings) {
	s.Server.Port = getEnvOr("PORT", s.Server.Port)
	s.Auth.BackendAPIKey = getEnvOr("BACKEND_API_KEY", s.Auth.BackendAPIKey)
}

// applyDerived はAuth0ドメインなどから導出できる値を補完する。
func (s *Settings) applyDerived() {
	domain := strings.TrimSuffix(strings.TrimPrefix(s.Auth.Auth0Domain, "https://"), "/")
	if s.Auth.Issuer == "" && domain != "" {
		s.Auth.Issuer = "https://" + domain + "/"
	}
	if s.Auth.JWKSURL == "" && domain != "" {
		s.Auth.JWKSURL = "https://" + domain + "/.well-known/jwks.json"
	}
	if len(s.Auth.Algorithms) == 0 {
		s.Auth.Algorithms = []string{"RS256"}
	}
	if s.Backends.Timeout <= 0 {
		s.Backends.Timeout = defaultBackendTimeout
	}
}

// Validate は設定値の整合性を検証する。
// ルート単位の検証はルートテーブル構築時に行う。
func (s *Settings) Validate() error {
	var errs []error
	if s.Auth.Issuer == "" || s.Auth.JWKSURL == "" {
		errs = append(errs, errors.New("auth.auth0_domain、または auth.issuer と auth.jwks_url の指定が必要です"))
	}
	if s.Auth.Auth0Audience == "" {
		errs = append(errs, errors.New("auth.auth0_audience が指定されていません"))
	}
	if s.Server.Port == "" {
		errs = append(errs, errors.New("server.port が指定されていません"))
	}
	if len(s.Routes) == 0 {
		errs = append(errs, errors.New("routes が1件も定義されていません"))
	}
	return errors.Join(errs...)
}

// PathFromEnv は SETTINGS_PATH 環境変数から設定ファイルのパスを返す。
func PathFromEnv() string {
	return getEnvOr("SETTINGS_PATH", DefaultSettingsPath)
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
