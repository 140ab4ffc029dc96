// Package httpclient はゲートウェイからバックエンドサービスへのHTTP通信を行うクライアントを提供する。
//
// フォワーディングプロキシ、拡張ハンドラのファンアウト呼び出し、JWKSの取得で使用する。
// 全リクエストに Content-Type: application/json と共有APIキー（X-API-Key）を付与する。
// クライアントは処理単位で生成し、処理の完了時に Close で接続を解放する。
package httpclient
