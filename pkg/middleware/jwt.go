package middleware

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken はトークン検証の失敗を表す。
// 失敗理由（署名不一致、期限切れ、issuer不一致など）は区別せず、すべてこのエラーに集約する。
var ErrInvalidToken = errors.New("invalid authentication token")

// detailInvalidToken は認証失敗時にクライアントへ返すメッセージ。
const detailInvalidToken = "Invalid authentication token"

// contextKeyClaims はGinコンテキストにクレームを格納するキー。
const contextKeyClaims = "claims"

// Claims は検証済みトークンのペイロード。発行者が埋め込んだ値をそのまま保持する。
type Claims map[string]any

// Subject は sub クレームを返す。
func (c Claims) Subject() string {
	sub, _ := c["sub"].(string)
	return sub
}

// Scopes はトークンが持つスコープを返す。
// スペース区切りの scope クレームと、配列形式の permissions クレームの両方を対象とする。
func (c Claims) Scopes() []string {
	var scopes []string
	if s, ok := c["scope"].(string); ok {
		scopes = append(scopes, strings.Fields(s)...)
	}
	switch perms := c["permissions"].(type) {
	case []any:
		for _, p := range perms {
			if s, ok := p.(string); ok {
				scopes = append(scopes, s)
			}
		}
	case []string:
		scopes = append(scopes, perms...)
	}
	return scopes
}

// HasScopes はrequiredのスコープをすべて持っているかを返す。
func (c Claims) HasScopes(required []string) bool {
	if len(required) == 0 {
		return true
	}
	granted := make(map[string]struct{})
	for _, s := range c.Scopes() {
		granted[s] = struct{}{}
	}
	for _, r := range required {
		if _, ok := granted[r]; !ok {
			return false
		}
	}
	return true
}

// MissingScopes はrequiredのうちトークンに含まれないスコープを返す。
func (c Claims) MissingScopes(required []string) []string {
	granted := make(map[string]struct{})
	for _, s := range c.Scopes() {
		granted[s] = struct{}{}
	}
	var missing []string
	for _, r := range required {
		if _, ok := granted[r]; !ok {
			missing = append(missing, r)
		}
	}
	return missing
}

// Verifier はBearerトークンを検証してクレームを返す。
type Verifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// VerifierConfig はJWKSVerifierの設定。
type VerifierConfig struct {
	// JWKSURL は署名鍵セットの取得先。
	JWKSURL string
	// Issuer は期待する iss クレーム。
	Issuer string
	// Audience は期待する aud クレーム。
	Audience string
	// Algorithms は許可する署名アルゴリズム。空の場合は RS256 のみ。
	Algorithms []string
	// CacheTTL は取得済み鍵セットを再利用する期間。
	CacheTTL time.Duration
	// MinRefreshInterval は未知のkidによる再取得の最小間隔。
	MinRefreshInterval time.Duration
	// Timeout はJWKS取得のタイムアウト。
	Timeout time.Duration
}

// JWKSVerifier はリモートのJWKSで署名を検証するVerifier。
// トークンヘッダーのkidで鍵を選択するため、鍵のローテーションに追従できる。
type JWKSVerifier struct {
	// keys はkidで検索可能な鍵セットのキャッシュ。
	keys *keySet
	// parser はアルゴリズム・audience・issuerを検証するJWTパーサー。
	parser *jwt.Parser
}

// NewJWKSVerifier は新しいJWKSVerifierを生成する。
func NewJWKSVerifier(cfg VerifierConfig) (*JWKSVerifier, error) {
	if cfg.JWKSURL == "" {
		return nil, errors.New("JWKSのURLが指定されていません")
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("issuerとaudienceの指定が必要です")
	}

	algorithms := cfg.Algorithms
	if len(algorithms) == 0 {
		algorithms = []string{jwt.SigningMethodRS256.Alg()}
	}

	return &JWKSVerifier{
		keys: newKeySet(cfg.JWKSURL, cfg.CacheTTL, cfg.MinRefreshInterval, cfg.Timeout),
		parser: jwt.NewParser(
			jwt.WithValidMethods(algorithms),
			jwt.WithAudience(cfg.Audience),
			jwt.WithIssuer(cfg.Issuer),
		),
	}, nil
}

// Verify はトークンを検証し、成功した場合はデコード済みのクレームをそのまま返す。
// 失敗時は理由に関わらず ErrInvalidToken を返す。
func (v *JWKSVerifier) Verify(ctx context.Context, tokenString string) (Claims, error) {
	token, err := v.parser.Parse(tokenString, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("トークンヘッダーにkidがありません")
		}
		return v.keys.lookup(ctx, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return Claims(claims), nil
}

// BearerAuth はAuthorizationヘッダーのBearerトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストにクレームと "user_id" を設定する。
func BearerAuth(verifier Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		scheme, tokenString, found := strings.Cut(c.GetHeader("Authorization"), " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tokenString) == "" {
			log.Printf("[Auth] Bearerトークンがありません: %s %s", c.Request.Method, c.Request.URL.Path)
			abortUnauthorized(c)
			return
		}

		claims, err := verifier.Verify(c.Request.Context(), strings.TrimSpace(tokenString))
		if err != nil {
			log.Printf("[Auth] トークン検証エラー: %v", err)
			abortUnauthorized(c)
			return
		}

		c.Set(contextKeyClaims, claims)
		c.Set("user_id", claims.Subject())
		c.Next()
	}
}

// abortUnauthorized は一律の401レスポンスを返して処理を中断する。
func abortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"detail": detailInvalidToken,
	})
}

// GetClaims はGinコンテキストから検証済みクレームを取得する。
// BearerAuthミドルウェアが事前に適用されている必要がある。
func GetClaims(c *gin.Context) Claims {
	v, _ := c.Get(contextKeyClaims)
	if claims, ok := v.(Claims); ok {
		return claims
	}
	return Claims{}
}

// GetUserID はGinコンテキストからユーザーID（subクレーム）を取得する。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get("user_id")
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}
