package gateway

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/apigateway/internal/handler"
	"github.com/nao1215/apigateway/internal/route"
	"github.com/nao1215/apigateway/pkg/middleware"
)

// ゲートウェイがクライアントに返すエラーメッセージ。
const (
	detailRouteNotFound     = "Route not found"
	detailInvalidToken      = "Invalid authentication token"
	detailInsufficientScope = "Insufficient scope"
	detailInternal          = "Internal server error"
)

// errInsufficientScope はトークンがルートの要求スコープを満たさないことを表す。
var errInsufficientScope = errors.New("insufficient scope")

// classify はエラーをステータスとメッセージに変換する。
func classify(err error) (int, string) {
	var statusErr *handler.StatusError
	switch {
	case errors.As(err, &statusErr):
		return statusErr.Status, statusErr.Detail
	case errors.Is(err, route.ErrNotFound):
		return http.StatusNotFound, detailRouteNotFound
	case errors.Is(err, middleware.ErrInvalidToken):
		return http.StatusUnauthorized, detailInvalidToken
	case errors.Is(err, errInsufficientScope):
		return http.StatusForbidden, detailInsufficientScope
	default:
		return http.StatusInternalServerError, detailInternal
	}
}

// writeError はエラーを {"detail": ...} 形式で返して処理を中断する。
func writeError(c *gin.Context, err error) {
	status, detail := classify(err)
	if status >= http.StatusInternalServerError {
		log.Printf("[Gateway] リクエスト処理エラー: %s %s, error=%v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}
