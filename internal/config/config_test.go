package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// minimalYAML は必須項目だけを持つ設定。
const minimalYAML = `
app_name: test-gateway
environment: test
auth:
  auth0_domain: tenant.example.com
  auth0_audience: https://api.example.com
  backend_api_key: yaml-key
cors:
  allowed_origins: ["http://localhost:3000"]
  allowed_methods: ["GET", "POST"]
  allowed_headers: ["Authorization"]
routes:
  - service_name: pets
    method: GET
    path: /api/pet/{pet_id}
    target_url: http://pets/pet/{pet_id}
  - service_name: dashboard
    method: GET
    path: /api/users/{user_id}/dashboard
    handler: custom_handlers.user_dashboard
    required_scopes: ["read:dashboard"]
`

// writeSettings は一時ディレクトリに設定ファイルを書き出してパスを返す。
func writeSettings(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("設定ファイルの書き込みに失敗: %v", err)
	}
	return path
}

// TestLoad はLoad関数を検証する。
func TestLoad(t *testing.T) {
	t.Parallel()

	t.Run("設定ファイルを読み込みデフォルト値と導出値が補完されること", func(t *testing.T) {
		t.Parallel()

		s, err := Load(writeSettings(t, minimalYAML))
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}

		if s.AppName != "test-gateway" {
			t.Errorf("AppName = %q, want %q", s.AppName, "test-gateway")
		}
		if s.Auth.Issuer != "https://tenant.example.com/" {
			t.Errorf("Issuer = %q", s.Auth.Issuer)
		}
		if s.Auth.JWKSURL != "https://tenant.example.com/.well-known/jwks.json" {
			t.Errorf("JWKSURL = %q", s.Auth.JWKSURL)
		}
		if len(s.Auth.Algorithms) != 1 || s.Auth.Algorithms[0] != "RS256" {
			t.Errorf("Algorithms = %v, want [RS256]", s.Auth.Algorithms)
		}
		if !s.CORS.AllowCredentials {
			t.Error("AllowCredentials のデフォルトは true であるべき")
		}
		if s.Backends.Core != "http://backend-core-api" {
			t.Errorf("Backends.Core = %q", s.Backends.Core)
		}
		if s.Backends.Timeout != 5*time.Second {
			t.Errorf("Backends.Timeout = %v, want 5s", s.Backends.Timeout)
		}
		if len(s.Routes) != 2 {
			t.Fatalf("len(Routes) = %d, want 2", len(s.Routes))
		}
		if s.Routes[1].Handler != "custom_handlers.user_dashboard" {
			t.Errorf("Routes[1].Handler = %q", s.Routes[1].Handler)
		}
		if len(s.Routes[1].RequiredScopes) != 1 || s.Routes[1].RequiredScopes[0] != "read:dashboard" {
			t.Errorf("Routes[1].RequiredScopes = %v", s.Routes[1].RequiredScopes)
		}
	})

	t.Run("明示したissuerと期間の値が使われること", func(t *testing.T) {
		t.Parallel()

		content := minimalYAML + `
server:
  port: "9000"
  shutdown_timeout: 3s
backends:
  core: http://core.internal
  timeout: 2s
`
		content = strings.Replace(content, "  backend_api_key: yaml-key",
			"  backend_api_key: yaml-key\n  issuer: https://issuer.example.com/\n  jwks_url: https://keys.example.com/jwks.json\n  enforce_scopes: true\n  jwks_cache_ttl: 1m", 1)

		s, err := Load(writeSettings(t, content))
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if s.Auth.Issuer != "https://issuer.example.com/" {
			t.Errorf("Issuer = %q", s.Auth.Issuer)
		}
		if s.Auth.JWKSURL != "https://keys.example.com/jwks.json" {
			t.Errorf("JWKSURL = %q", s.Auth.JWKSURL)
		}
		if !s.Auth.EnforceScopes {
			t.Error("EnforceScopes = false, want true")
		}
		if s.Auth.JWKSCacheTTL != time.Minute {
			t.Errorf("JWKSCacheTTL = %v, want 1m", s.Auth.JWKSCacheTTL)
		}
		if s.Server.ShutdownTimeout != 3*time.Second {
			t.Errorf("ShutdownTimeout = %v, want 3s", s.Server.ShutdownTimeout)
		}
		if s.Backends.Core != "http://core.internal" {
			t.Errorf("Backends.Core = %q", s.Backends.Core)
		}
		if s.Backends.Tags != "http://tags-api" {
			t.Errorf("Backends.Tags = %q, want default", s.Backends.Tags)
		}
		if s.Backends.Timeout != 2*time.Second {
			t.Errorf("Backends.Timeout = %v, want 2s", s.Backends.Timeout)
		}
	})

	t.Run("存在しないファイルでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
			t.Fatal("存在しないファイルでエラーが返るべき")
		}
	})

	t.Run("不正なYAMLでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		if _, err := Load(writeSettings(t, "routes: [unclosed")); err == nil {
			t.Fatal("不正なYAMLでエラーが返るべき")
		}
	})
}

// TestValidate はValidateメソッドを検証する。
func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{
			name:    "auth0_domainが無い場合",
			content: "auth:\n  auth0_audience: aud\nroutes:\n  - method: GET\n    path: /a\n    target_url: http://a\n",
			wantMsg: "auth0_domain",
		},
		{
			name:    "auth0_audienceが無い場合",
			content: "auth:\n  auth0_domain: tenant.example.com\nroutes:\n  - method: GET\n    path: /a\n    target_url: http://a\n",
			wantMsg: "auth0_audience",
		},
		{
			name:    "ルートが無い場合",
			content: "auth:\n  auth0_domain: tenant.example.com\n  auth0_audience: aud\n",
			wantMsg: "routes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name+"にエラーが返ること", func(t *testing.T) {
			t.Parallel()

			_, err := Parse([]byte(tt.content))
			if err == nil {
				t.Fatal("エラーが返るべき")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.wantMsg)
			}
		})
	}

	t.Run("issuerとjwks_urlを明示すればauth0_domainは不要であること", func(t *testing.T) {
		t.Parallel()

		content := "auth:\n  issuer: https://i/\n  jwks_url: https://i/jwks\n  auth0_audience: aud\nroutes:\n  - method: GET\n    path: /a\n    target_url: http://a\n"
		if _, err := Parse([]byte(content)); err != nil {
			t.Errorf("Parse()でエラーが発生: %v", err)
		}
	})
}

// TestEnvOverrides は環境変数による上書きを検証する。
// t.Setenv を使うため並列実行しない。
func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("BACKEND_API_KEY", "env-key")
	t.Setenv("SETTINGS_PATH", "/etc/gateway/settings.yaml")

	s, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse()でエラーが発生: %v", err)
	}
	if s.Server.Port != "9999" {
		t.Errorf("Port = %q, want %q", s.Server.Port, "9999")
	}
	if s.Auth.BackendAPIKey != "env-key" {
		t.Errorf("BackendAPIKey = %q, want %q", s.Auth.BackendAPIKey, "env-key")
	}
	if got := PathFromEnv(); got != "/etc/gateway/settings.yaml" {
		t.Errorf("PathFromEnv() = %q", got)
	}
}
