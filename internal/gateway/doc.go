// Package gateway は認証付きAPI Gatewayの本体を提供する。
//
// 全てのリクエストはBearerトークンの検証を受けたあと、ルートテーブルと照合される。
// 一致したルートが target_url を持つ場合はバックエンドへ転送し、
// handler を持つ場合は登録済みの拡張ハンドラに処理を委ねる。
// /health と /metrics はゲートウェイ自身が応答し、認証を必要としない。
package gateway
