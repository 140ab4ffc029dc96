// Package middleware はゲートウェイで使用するGinミドルウェアを提供する。
//
// JWKSによるBearerトークンの検証、リクエストID の付与、パニックリカバリ、
// CORS設定を含む。トークン検証の失敗は理由に関わらず一律の401として扱う。
package middleware
