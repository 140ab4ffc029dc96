package audit

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/apigateway/pkg/migration"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// defaultRecentLimit は Recent に0以下を指定した場合の取得件数。
const defaultRecentLimit = 20

// Entry は監査ログの1レコード。
type Entry struct {
	// RequestID はリクエストに割り当てたID。
	RequestID string
	// Method はHTTPメソッド。
	Method string
	// Path はリクエストパス。
	Path string
	// Service は一致したルートのサービス名。ルートが見つからない場合は空。
	Service string
	// Status はクライアントに返したステータス。
	Status int
	// Subject は認証済みユーザーの sub クレーム。
	Subject string
	// Duration はリクエストの処理時間。
	Duration time.Duration
	// RecordedAt は記録時刻。
	RecordedAt time.Time
}

// Store はSQLiteに監査ログを保存する。
type Store struct {
	db *sql.DB
}

// Open はSQLiteデータベースを開き、マイグレーションを適用する。
// path に ":memory:" を指定するとインメモリデータベースになる。
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("データベースのパスが指定されていません")
	}

	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// 接続ごとに別のインメモリDBにならないよう接続は1本に制限する。
	db.SetMaxOpenConns(1)

	if err := migration.Run(db, migrationsFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &Store{db: db}, nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Record は監査ログを1件保存する。RecordedAt が未設定の場合は現在時刻を使う。
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_log (request_id, method, path, service, status, subject, duration_ns, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.Method, e.Path, e.Service, e.Status, e.Subject, e.Duration.Nanoseconds(),
		e.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("監査ログの保存に失敗: %w", err)
	}
	return nil
}

// Recent は新しい順に最大limit件の監査ログを返す。
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, method, path, service, status, subject, duration_ns, recorded_at
		 FROM request_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("監査ログの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			durationNS int64
			recordedAt string
		)
		if err := rows.Scan(&e.RequestID, &e.Method, &e.Path, &e.Service, &e.Status, &e.Subject, &durationNS, &recordedAt); err != nil {
			return nil, fmt.Errorf("監査ログの読み取りに失敗: %w", err)
		}
		e.Duration = time.Duration(durationNS)
		if e.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
			return nil, fmt.Errorf("記録時刻のパースに失敗: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountByStatus はステータスごとの件数を返す。
func (s *Store) CountByStatus(ctx context.Context) (map[int]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM request_log GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("監査ログの集計に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[int]int)
	for rows.Next() {
		var status, n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("集計結果の読み取りに失敗: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
