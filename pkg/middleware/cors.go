package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORSConfig はCORSミドルウェアの設定。
type CORSConfig struct {
	// AllowedOrigins は許可するオリジン。"*" は全オリジンを許可する。
	AllowedOrigins []string
	// AllowedMethods は許可するHTTPメソッド。空の場合は GET, POST, PUT, DELETE, OPTIONS。
	AllowedMethods []string
	// AllowedHeaders は許可するリクエストヘッダー。空の場合は Authorization, Content-Type。
	AllowedHeaders []string
	// AllowCredentials は資格情報付きリクエストを許可するかどうか。
	AllowCredentials bool
}

// CORS は設定されたオリジンからのクロスオリジンリクエストを許可するGinミドルウェアを返す。
// OPTIONSリクエストはプリフライトとして204で応答し、後続の認証やルーティングには渡さない。
func CORS(cfg CORSConfig) gin.HandlerFunc {
	originsSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	allowAll := false
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			allowAll = true
		}
		originsSet[o] = struct{}{}
	}

	methods := "GET, POST, PUT, DELETE, OPTIONS"
	if len(cfg.AllowedMethods) > 0 {
		methods = strings.Join(cfg.AllowedMethods, ", ")
	}
	headers := "Authorization, Content-Type"
	if len(cfg.AllowedHeaders) > 0 {
		headers = strings.Join(cfg.AllowedHeaders, ", ")
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		_, listed := originsSet[origin]
		if origin != "" && (listed || allowAll) {
			// 資格情報を許可する場合はワイルドカードを返せないため、オリジンをそのまま返す
			if allowAll && !listed && !cfg.AllowCredentials {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			if cfg.AllowCredentials {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", headers)
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
