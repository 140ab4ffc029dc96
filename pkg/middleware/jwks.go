package middleware

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/nao1215/apigateway/pkg/httpclient"
	"golang.org/x/sync/singleflight"
)

const (
	// defaultJWKSCacheTTL は鍵セットを再取得するまでのデフォルト期間。
	defaultJWKSCacheTTL = 10 * time.Minute
	// defaultJWKSMinRefresh は未知のkidによる再取得のデフォルト最小間隔。
	defaultJWKSMinRefresh = 30 * time.Second
)

// keySet はJWKSエンドポイントから取得した鍵セットをkid単位で引けるようにするキャッシュ。
type keySet struct {
	// url はJWKSエンドポイント。
	url string
	// ttl は取得済みセットの有効期間。
	ttl time.Duration
	// minRefresh は未知のkidで再取得する最小間隔。
	minRefresh time.Duration
	// timeout はJWKS取得のタイムアウト。
	timeout time.Duration
	// fetches は同時に発生した再取得を1回にまとめる。
	fetches singleflight.Group

	mu        sync.RWMutex
	set       jwk.Set
	fetchedAt time.Time
}

// newKeySet は新しい鍵セットキャッシュを生成する。0以下の値にはデフォルトを使う。
func newKeySet(url string, ttl, minRefresh, timeout time.Duration) *keySet {
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}
	if minRefresh < 0 {
		minRefresh = defaultJWKSMinRefresh
	}
	if timeout <= 0 {
		timeout = httpclient.DefaultTimeout
	}
	return &keySet{url: url, ttl: ttl, minRefresh: minRefresh, timeout: timeout}
}

// lookup はkidに対応する公開鍵を返す。
// キャッシュが期限切れ、またはkidが見つからない場合はJWKSを再取得する。
// 再取得に失敗した場合でも、キャッシュ済みのセットにkidがあればその鍵を使う。
func (k *keySet) lookup(ctx context.Context, kid string) (any, error) {
	cached, fetchedAt := k.snapshot()
	if cached != nil {
		age := time.Since(fetchedAt)
		key, found := cached.LookupKeyID(kid)
		if found && age < k.ttl {
			return exportKey(key)
		}
		if !found && age < k.ttl && age < k.minRefresh {
			return nil, fmt.Errorf("kid %q に対応する鍵がありません", kid)
		}
	}

	set, err := k.refresh(ctx)
	if err != nil {
		if cached != nil {
			if key, ok := cached.LookupKeyID(kid); ok {
				log.Printf("[Auth] JWKSの再取得に失敗したためキャッシュ済みの鍵を使用します: %v", err)
				return exportKey(key)
			}
		}
		return nil, err
	}

	key, ok := set.LookupKeyID(kid)
	if !ok {
		return nil, fmt.Errorf("kid %q に対応する鍵がありません", kid)
	}
	return exportKey(key)
}

// snapshot はキャッシュ済みの鍵セットと取得時刻を返す。
func (k *keySet) snapshot() (jwk.Set, time.Time) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.set, k.fetchedAt
}

// refresh はJWKSエンドポイントから鍵セットを取得し直す。
// 取得中はロックを保持せず、同時に呼ばれた場合は1回の取得結果を共有する。
func (k *keySet) refresh(ctx context.Context) (jwk.Set, error) {
	v, err, _ := k.fetches.Do(k.url, func() (any, error) {
		set, err := k.fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		k.mu.Lock()
		k.set = set
		k.fetchedAt = time.Now()
		k.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(jwk.Set), nil
}

// fetch はJWKSエンドポイントから鍵セットを取得する。
func (k *keySet) fetch(ctx context.Context) (jwk.Set, error) {
	client := httpclient.New(httpclient.WithTimeout(k.timeout))
	defer client.Close()

	resp, err := client.Do(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return nil, fmt.Errorf("JWKSの取得に失敗: %w", err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("JWKSの取得に失敗: status=%d", resp.StatusCode)
	}

	set, err := jwk.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("JWKSのパースに失敗: %w", err)
	}
	log.Printf("[Auth] JWKSを取得しました: url=%s, keys=%d", k.url, set.Len())
	return set, nil
}

// exportKey はJWKを署名検証に使える生の公開鍵に変換する。
func exportKey(key jwk.Key) (any, error) {
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("鍵の変換に失敗: %w", err)
	}
	return raw, nil
}
