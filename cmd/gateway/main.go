// API Gatewayのエントリポイント。
// Bearerトークンを検証したリクエストを設定ファイルのルートテーブルに従って
// バックエンドへ転送する、または拡張ハンドラで処理する。
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nao1215/apigateway/internal/audit"
	"github.com/nao1215/apigateway/internal/config"
	"github.com/nao1215/apigateway/internal/gateway"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("Gatewayの実行に失敗: %v", err)
	}
}

// newRootCmd はルートコマンドを生成する。サブコマンド無しで実行した場合は serve と同じ。
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "gateway",
		Short:         "Authenticated API gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	rootCmd.PersistentFlags().StringP("config", "c", config.PathFromEnv(), "Path to settings file (YAML)")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the gateway server",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Validate the settings file and print the route table",
			RunE:  runValidate,
		},
		newAuditCmd(),
	)
	return rootCmd
}

// newAuditCmd は監査ログを表示するコマンドを生成する。
func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print recent requests from the audit log",
		RunE:  runAudit,
	}
	cmd.Flags().IntP("limit", "n", 20, "Number of entries to print")
	return cmd
}

// loadSettings は --config で指定された設定ファイルを読み込む。
func loadSettings(cmd *cobra.Command) (*config.Settings, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// runServe はGatewayサーバーを起動し、SIGINT/SIGTERMで停止する。
func runServe(cmd *cobra.Command, _ []string) error {
	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	server, err := gateway.NewServer(settings)
	if err != nil {
		return fmt.Errorf("Gatewayサーバーの初期化に失敗: %w", err)
	}
	defer func() {
		if err := server.Close(); err != nil {
			log.Printf("[Gateway] リソースの解放に失敗: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Run(ctx)
}

// runValidate は設定ファイルからルートテーブルと拡張ハンドラを構築し、結果を表示する。
func runValidate(cmd *cobra.Command, _ []string) error {
	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	// 監査ログのDBファイルを作らないよう検証時は無効にする
	settings.Audit.DatabasePath = ""

	server, err := gateway.NewServer(settings)
	if err != nil {
		return err
	}
	defer func() { _ = server.Close() }()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%s): %d routes\n", settings.AppName, settings.Environment, server.Table().Len())
	return printRoutes(out, server)
}

// printRoutes はルートテーブルを宣言順に表形式で出力する。
func printRoutes(out io.Writer, server *gateway.Server) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "METHOD\tPATH\tSERVICE\tTARGET\tSCOPES")
	for _, def := range server.Table().Routes() {
		target := def.TargetURL
		if !def.IsProxy() {
			target = "handler:" + def.Handler
		}
		scopes := strings.Join(def.RequiredScopes, ",")
		if scopes == "" {
			scopes = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", def.Method, def.Path, def.ServiceName, target, scopes)
	}
	return w.Flush()
}

// runAudit は監査ログの新しいエントリを表示する。
func runAudit(cmd *cobra.Command, _ []string) error {
	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	if settings.Audit.DatabasePath == "" {
		return errors.New("audit.database_path が設定されていません")
	}
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}

	store, err := audit.Open(settings.Audit.DatabasePath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	entries, err := store.Recent(cmd.Context(), limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tREQUEST_ID\tMETHOD\tPATH\tSERVICE\tSTATUS\tSUBJECT\tDURATION")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.RecordedAt.Format(time.RFC3339), e.RequestID, e.Method, e.Path, e.Service, e.Status, e.Subject, e.Duration)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	counts, err := store.CountByStatus(cmd.Context())
	if err != nil {
		return err
	}
	statuses := make([]int, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, status)
	}
	slices.Sort(statuses)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "STATUS\tCOUNT")
	for _, status := range statuses {
		fmt.Fprintf(w, "%d\t%d\n", status, counts[status])
	}
	return w.Flush()
}
