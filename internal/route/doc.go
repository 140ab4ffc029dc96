// Package route はゲートウェイのルートテーブルとパスマッチャーを提供する。
//
// ルートテーブルは起動時に設定から一度だけ構築され、以降は読み取り専用となる。
// マッチングは宣言順の線形走査で行い、最初に一致したルートを採用する。
// パスパターンは "/" 区切りのリテラルセグメントと {name} 形式の
// パラメータセグメントで構成される。
package route
