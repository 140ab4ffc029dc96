// Package handler は拡張ハンドラのプロトコルとレジストリを提供する。
//
// 拡張ハンドラはルート設定の handler 識別子で選択され、
// 複数のバックエンドへの並行呼び出しと結果の集約を行う。
// ハンドラは起動時に一度だけ生成され、共有の読み取り専用コンテキストを受け取る。
package handler
