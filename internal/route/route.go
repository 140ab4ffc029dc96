package route

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNotFound はメソッドとパスに一致するルートが存在しないことを表す。
var ErrNotFound = errors.New("route not found")

// allowedMethods はルートに設定できるHTTPメソッド。
var allowedMethods = map[string]struct{}{
	http.MethodGet:    {},
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodDelete: {},
}

// Definition は設定ファイルの1ルート分の定義。
// TargetURL と Handler はどちらか一方だけが設定される。
type Definition struct {
	// ServiceName はルートが属するバックエンドサービス名。ログとメトリクスに使用する。
	ServiceName string `yaml:"service_name"`
	// Method はHTTPメソッド。大文字小文字を区別して比較する。
	Method string `yaml:"method"`
	// Path は {name} プレースホルダを含むパスパターン。
	Path string `yaml:"path"`
	// TargetURL はプロキシ先URLのテンプレート。
	TargetURL string `yaml:"target_url,omitempty"`
	// Handler は拡張ハンドラの識別子。
	Handler string `yaml:"handler,omitempty"`
	// RequiredScopes はルートが要求するスコープ。
	RequiredScopes []string `yaml:"required_scopes,omitempty"`
}

// IsProxy はルートがフォワーディングプロキシで処理されるかを返す。
func (d *Definition) IsProxy() bool {
	return d.TargetURL != ""
}

// ParamNames はパスパターンに含まれるパラメータ名を出現順に返す。
func (d *Definition) ParamNames() []string {
	var names []string
	for _, part := range splitPath(d.Path) {
		if name, ok, err := paramName(part); err == nil && ok {
			names = append(names, name)
		}
	}
	return names
}

// Params はパスパターンから抽出したパラメータ名と値の対応。
type Params map[string]string

// ParsedRequest はマッチング対象となる正規化済みのリクエスト情報。
type ParsedRequest struct {
	Method         string
	RawPath        string
	NormalizedPath string
}

// Normalize は先頭のスラッシュを1つにし、末尾のスラッシュを取り除いたパスを返す。
// ルートパスは "/" のまま返す。
func Normalize(method, rawPath string) ParsedRequest {
	trimmed := strings.Trim(rawPath, "/")
	return ParsedRequest{
		Method:         method,
		RawPath:        rawPath,
		NormalizedPath: "/" + trimmed,
	}
}

// segment はコンパイル済みパスパターンの1セグメント。
type segment struct {
	value   string
	isParam bool
}

// entry はルート定義とコンパイル済みセグメントの組。
type entry struct {
	def      Definition
	segments []segment
}

// Table は宣言順を保持したルート定義の集合。構築後は変更されない。
type Table struct {
	entries []entry
}

// NewTable はルート定義を検証してルートテーブルを構築する。
// 到達不能なルートや (method, パターン形状) が重複するルートはエラーとする。
func NewTable(defs []Definition) (*Table, error) {
	t := &Table{entries: make([]entry, 0, len(defs))}
	shapes := make(map[string]int, len(defs))

	for i, def := range defs {
		if err := validate(def); err != nil {
			return nil, fmt.Errorf("ルート[%d] %s %s が不正: %w", i, def.Method, def.Path, err)
		}

		segments, err := parseSegments(def.Path)
		if err != nil {
			return nil, fmt.Errorf("ルート[%d] %s %s が不正: %w", i, def.Method, def.Path, err)
		}

		key := def.Method + " " + shape(segments)
		if prev, ok := shapes[key]; ok {
			return nil, fmt.Errorf("ルート[%d] %s %s はルート[%d]と重複している", i, def.Method, def.Path, prev)
		}
		shapes[key] = i

		def.RequiredScopes = append([]string(nil), def.RequiredScopes...)
		t.entries = append(t.entries, entry{def: def, segments: segments})
	}

	return t, nil
}

// validate はディスパッチモードとメソッドを検証する。
func validate(def Definition) error {
	if _, ok := allowedMethods[def.Method]; !ok {
		return fmt.Errorf("未対応のメソッド %q", def.Method)
	}
	if def.Path == "" || !strings.HasPrefix(def.Path, "/") {
		return errors.New("パスは / で始まる必要がある")
	}
	switch {
	case def.TargetURL != "" && def.Handler != "":
		return errors.New("target_url と handler は同時に指定できない")
	case def.TargetURL == "" && def.Handler == "":
		return errors.New("target_url か handler のどちらかが必要")
	}
	return nil
}

// parseSegments はパスパターンをセグメントに分解する。
func parseSegments(pattern string) ([]segment, error) {
	parts := splitPath(pattern)
	segments := make([]segment, len(parts))
	seen := make(map[string]struct{})

	for i, part := range parts {
		name, isParam, err := paramName(part)
		if err != nil {
			return nil, err
		}
		if !isParam {
			segments[i] = segment{value: part}
			continue
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("パラメータ名 %q が重複している", name)
		}
		seen[name] = struct{}{}
		segments[i] = segment{value: name, isParam: true}
	}
	return segments, nil
}

// paramName はセグメントが {name} 形式ならパラメータ名を返す。
func paramName(part string) (string, bool, error) {
	open := strings.Contains(part, "{")
	closed := strings.Contains(part, "}")
	if !open && !closed {
		return "", false, nil
	}
	if !strings.HasPrefix(part, "{") || !strings.HasSuffix(part, "}") || strings.Count(part, "{") != 1 || strings.Count(part, "}") != 1 {
		return "", false, fmt.Errorf("セグメント %q はセグメント全体を {name} で囲む必要がある", part)
	}
	name := part[1 : len(part)-1]
	if name == "" {
		return "", false, fmt.Errorf("セグメント %q のパラメータ名が空", part)
	}
	return name, true, nil
}

// shape はパラメータ名を除いたパターン形状を返す。重複検出に使用する。
func shape(segments []segment) string {
	parts := make([]string, len(segments))
	for i, seg := range segments {
		if seg.isParam {
			parts[i] = "{}"
			continue
		}
		parts[i] = seg.value
	}
	return "/" + strings.Join(parts, "/")
}

// splitPath は前後のスラッシュを除いてパスを分割する。
func splitPath(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

// Match はメソッドとパスに最初に一致したルートと抽出パラメータを返す。
// 一致するルートがない場合は ErrNotFound を返す。
func (t *Table) Match(method, normalizedPath string) (*Definition, Params, error) {
	parts := splitPath(normalizedPath)

	for i := range t.entries {
		e := &t.entries[i]
		if e.def.Method != method {
			continue
		}
		if params, ok := matchSegments(e.segments, parts); ok {
			def := e.def
			return &def, params, nil
		}
	}
	return nil, nil, ErrNotFound
}

// matchSegments はセグメント数が等しく、全リテラルが一致する場合にパラメータを返す。
func matchSegments(segments []segment, parts []string) (Params, bool) {
	if len(segments) != len(parts) {
		return nil, false
	}

	params := make(Params)
	for i, seg := range segments {
		if seg.isParam {
			if parts[i] == "" {
				return nil, false
			}
			params[seg.value] = parts[i]
			continue
		}
		if seg.value != parts[i] {
			return nil, false
		}
	}
	return params, true
}

// ExtractParams はパターンとパスからパラメータを抽出する。
// パターンに一致しない場合は空のParamsを返す。
func ExtractParams(pattern, path string) Params {
	segments, err := parseSegments(pattern)
	if err != nil {
		return Params{}
	}
	params, ok := matchSegments(segments, splitPath(path))
	if !ok {
		return Params{}
	}
	return params
}

// Routes はテーブルに登録されたルート定義のコピーを宣言順に返す。
func (t *Table) Routes() []Definition {
	defs := make([]Definition, len(t.entries))
	for i, e := range t.entries {
		defs[i] = e.def
		defs[i].RequiredScopes = append([]string(nil), e.def.RequiredScopes...)
	}
	return defs
}

// Len はテーブルのルート数を返す。
func (t *Table) Len() int {
	return len(t.entries)
}
