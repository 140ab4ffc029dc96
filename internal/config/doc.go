// Package config はゲートウェイの設定ファイル（settings.yaml）の読み込みと検証を提供する。
//
// 設定値は デフォルト値 → YAMLファイル → 環境変数 の順に上書きされる。
// Auth0ドメインからissuerとJWKSのURLを導出する。
package config
