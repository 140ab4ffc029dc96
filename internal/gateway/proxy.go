package gateway

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"

	"github.com/nao1215/apigateway/internal/route"
	"github.com/nao1215/apigateway/pkg/httpclient"
	"github.com/nao1215/apigateway/pkg/middleware"
)

// substitute はURLテンプレートの {name} をパラメータ値で置き換える。
// 値はエンコードせずそのまま埋め込み、置換は1回の走査で行う。
func substitute(template string, params route.Params) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(params)*2)
	for _, name := range names {
		pairs = append(pairs, "{"+name+"}", params[name])
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// forward は一致したルートのバックエンドへリクエストを転送し、JSONボディを返す。
// バックエンドが400以上を返してもボディをそのまま返す。
// 通信エラーとJSONでないレスポンスはエラーになる。
func (s *Server) forward(ctx context.Context, def *route.Definition, params route.Params, method, requestID string) (any, error) {
	log.Printf("[Proxy] 抽出したパスパラメータ: %v", params)
	log.Printf("[Proxy] 元のtarget_url: %s", def.TargetURL)
	target := substitute(def.TargetURL, params)
	log.Printf("[Proxy] 最終的なtarget_url: %s", target)

	var opts []httpclient.Option
	if requestID != "" {
		opts = append(opts, httpclient.WithHeader(middleware.HeaderRequestID, requestID))
	}
	client := s.hc.NewClient(opts...)
	defer client.Close()

	resp, err := client.Do(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}

	log.Printf("[Proxy] バックエンドのステータス: %d", resp.StatusCode)
	if resp.StatusCode >= http.StatusBadRequest {
		log.Printf("[Proxy] バックエンドのエラーレスポンス: %s", string(resp.Body))
		s.metrics.RecordBackendError(def.ServiceName)
	}

	var body any
	if err := resp.DecodeJSON(&body); err != nil {
		return nil, fmt.Errorf("%s のレスポンスがJSONではありません: %w", target, err)
	}
	return body, nil
}
