// Package audit はゲートウェイが処理したリクエストの監査ログをSQLiteに保存する。
//
// スキーマはembedしたマイグレーションで管理し、起動時に未適用のものだけを適用する。
package audit
