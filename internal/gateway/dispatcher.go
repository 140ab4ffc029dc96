package gateway

import (
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/apigateway/internal/handler"
	"github.com/nao1215/apigateway/internal/route"
	"github.com/nao1215/apigateway/pkg/middleware"
)

// contextKeyService は一致したルートのサービス名をGinコンテキストに格納するキー。
const contextKeyService = "service"

// dispatch は認証済みのリクエストをルートテーブルと照合し、
// プロキシまたは拡張ハンドラに振り分ける。
func (s *Server) dispatch(c *gin.Context) {
	req := route.Normalize(c.Request.Method, c.Request.URL.Path)

	def, params, err := s.table.Match(req.Method, req.NormalizedPath)
	if err != nil {
		log.Printf("[Gateway] ルートが見つかりません: %s %s", req.Method, req.NormalizedPath)
		writeError(c, err)
		return
	}
	c.Set(contextKeyService, def.ServiceName)

	if err := s.checkScopes(c, def); err != nil {
		writeError(c, err)
		return
	}

	var result any
	if def.IsProxy() {
		result, err = s.forward(c.Request.Context(), def, params, req.Method, middleware.GetRequestID(c))
	} else {
		result, err = s.handle(c, def, params, req)
	}
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// checkScopes はルートの required_scopes とトークンのスコープを比較する。
// enforce_scopes が無効の場合は不足をログに残すだけで通過させる。
func (s *Server) checkScopes(c *gin.Context, def *route.Definition) error {
	missing := middleware.GetClaims(c).MissingScopes(def.RequiredScopes)
	if len(missing) == 0 {
		return nil
	}
	if !s.settings.Auth.EnforceScopes {
		log.Printf("[Gateway] スコープが不足していますが続行します: %s %s, missing=%v", def.Method, def.Path, missing)
		return nil
	}
	log.Printf("[Gateway] スコープ不足のため拒否しました: %s %s, missing=%v", def.Method, def.Path, missing)
	return errInsufficientScope
}

// handle は拡張ハンドラを呼び出す。
func (s *Server) handle(c *gin.Context, def *route.Definition, params route.Params, req route.ParsedRequest) (any, error) {
	h, ok := s.registry.Lookup(def.Handler)
	if !ok {
		return nil, fmt.Errorf("拡張ハンドラ %q が登録されていません", def.Handler)
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, fmt.Errorf("リクエストボディの読み取りに失敗: %w", err)
	}

	return h.Handle(c.Request.Context(), &handler.Request{
		Method: req.Method,
		Path:   req.NormalizedPath,
		Params: params,
		Claims: middleware.GetClaims(c),
		Body:   body,
	})
}
