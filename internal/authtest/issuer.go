// Package authtest はテスト用のトークン発行者を提供する。
//
// RSA鍵でRS256トークンに署名し、公開鍵をJWKSとして httptest.Server で公開する。
// 鍵のローテーションと取得回数の確認ができる。
package authtest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultIssuer はテストトークンの iss。
	DefaultIssuer = "https://tenant.example.com/"
	// DefaultAudience はテストトークンの aud。
	DefaultAudience = "https://api.example.com"
)

// Issuer はテスト用のトークン発行者。
type Issuer struct {
	// Server はJWKSを返すテストサーバー。
	Server *httptest.Server
	// Issuer はトークンに設定する iss。
	Issuer string
	// Audience はトークンに設定する aud。
	Audience string

	mu      sync.Mutex
	keys    map[string]*rsa.PrivateKey
	order   []string
	current string
	fetches atomic.Int64
}

// NewIssuer は鍵を1つ持つテスト用発行者を生成する。
func NewIssuer(t testing.TB) *Issuer {
	t.Helper()

	i := &Issuer{
		Issuer:   DefaultIssuer,
		Audience: DefaultAudience,
		keys:     make(map[string]*rsa.PrivateKey),
	}
	i.Rotate(t)

	i.Server = httptest.NewServer(http.HandlerFunc(i.serveJWKS))
	t.Cleanup(i.Server.Close)
	return i
}

// JWKSURL はJWKSエンドポイントのURLを返す。
func (i *Issuer) JWKSURL() string {
	return i.Server.URL + "/.well-known/jwks.json"
}

// Fetches はJWKSが取得された回数を返す。
func (i *Issuer) Fetches() int64 {
	return i.fetches.Load()
}

// Rotate は新しい鍵を生成して署名鍵を切り替え、そのkidを返す。古い鍵もJWKSに残る。
func (i *Issuer) Rotate(t testing.TB) string {
	t.Helper()

	key := GenerateKey(t)

	i.mu.Lock()
	defer i.mu.Unlock()
	kid := fmt.Sprintf("key-%d", len(i.order)+1)
	i.keys[kid] = key
	i.order = append(i.order, kid)
	i.current = kid
	return kid
}

// Token は現在の鍵で署名したトークンを返す。
// claimsに iss, aud, exp, sub が無ければデフォルト値を補う。
func (i *Issuer) Token(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()

	i.mu.Lock()
	kid := i.current
	key := i.keys[kid]
	i.mu.Unlock()

	return Sign(t, key, kid, jwt.SigningMethodRS256, i.withDefaults(claims))
}

// withDefaults は既定のクレームを補ったコピーを返す。
func (i *Issuer) withDefaults(claims jwt.MapClaims) jwt.MapClaims {
	out := jwt.MapClaims{
		"iss": i.Issuer,
		"aud": i.Audience,
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
	for k, v := range claims {
		out[k] = v
	}
	return out
}

// DefaultClaims は既定のクレームにclaimsを重ねたものを返す。外部鍵で署名する場合に使う。
func (i *Issuer) DefaultClaims(claims jwt.MapClaims) jwt.MapClaims {
	return i.withDefaults(claims)
}

// GenerateKey はテスト用のRSA鍵を生成する。
func GenerateKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("RSA鍵の生成に失敗: %v", err)
	}
	return key
}

// Sign は任意の鍵・kid・署名方式でトークンに署名する。
func Sign(t testing.TB, key any, kid string, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(method, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("トークンの署名に失敗: %v", err)
	}
	return signed
}

// serveJWKS は登録済みの全公開鍵をJWKSとして返す。
func (i *Issuer) serveJWKS(w http.ResponseWriter, _ *http.Request) {
	i.fetches.Add(1)

	i.mu.Lock()
	keys := make([]map[string]string, 0, len(i.order))
	for _, kid := range i.order {
		pub := i.keys[kid].PublicKey
		keys = append(keys, map[string]string{
			"kty": "RSA",
			"kid": kid,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	i.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
}
