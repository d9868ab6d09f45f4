// Package exclusion decides which request URLs must never be intercepted.
// Patterns are compiled once at configuration load time so that matching a
// request can never fail; a malformed pattern is reported as a PatternError
// before the proxy starts.
package exclusion

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultPatterns 是内置的“永不缓存”列表：后台、登录页与文章预览。
var DefaultPatterns = []string{`/\/wp-admin/`, `/\/wp-login/`, `/preview=true/`}

// PatternError 表示某个排除规则无法编译，属于配置错误。
type PatternError struct {
	Index   int
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("exclusion pattern #%d %q: %v", e.Index, e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// Matcher 持有已编译的排除规则，规则之间为逻辑或，顺序不影响结果。
type Matcher struct {
	sources  []string
	patterns []*regexp.Regexp
}

// Compile 编译规则列表，空白项会被忽略。
func Compile(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for i, raw := range patterns {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		expr, err := translate(trimmed)
		if err != nil {
			return nil, &PatternError{Index: i, Pattern: raw, Err: err}
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, &PatternError{Index: i, Pattern: raw, Err: err}
		}
		m.sources = append(m.sources, trimmed)
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// MustCompile panics on invalid patterns; intended for tests and package-level defaults.
func MustCompile(patterns []string) *Matcher {
	m, err := Compile(patterns)
	if err != nil {
		panic(err)
	}
	return m
}

// IsExcluded 当任一规则命中 url 时返回 true，nil Matcher 不排除任何请求。
func (m *Matcher) IsExcluded(url string) bool {
	if m == nil {
		return false
	}
	for _, re := range m.patterns {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// Patterns 返回规则原文，供诊断接口展示。
func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.sources...)
}

// Len 返回有效规则数量。
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.patterns)
}

// translate 支持 JavaScript 字面量写法 /body/flags，其余按 Go 正则原样处理。
//
// 不带 flags 的 /body/ 总是按字面量处理。带 flags 时只有 body 中出现转义斜杠 \/
// 才视为字面量：/docs/ms 这类以字母结尾的路径正则保持原样，
// 需要忽略大小写的普通规则请写成 (?i)body。
func translate(raw string) (string, error) {
	if len(raw) < 2 || raw[0] != '/' {
		return raw, nil
	}
	end := strings.LastIndex(raw, "/")
	if end == 0 {
		return raw, nil
	}
	body := raw[1:end]
	flags := raw[end+1:]
	if flags != "" && (!validFlags(flags) || !strings.Contains(body, `\/`)) {
		// 形如 /api/v1 或 /docs/ms 的普通路径正则
		return raw, nil
	}
	if body == "" {
		return "", fmt.Errorf("empty pattern body")
	}

	var inline strings.Builder
	for _, flag := range flags {
		switch flag {
		case 'i', 'm', 's':
			inline.WriteRune(flag)
		default:
			// g/u/y 对单次匹配无影响
		}
	}
	if inline.Len() > 0 {
		return "(?" + inline.String() + ")" + body, nil
	}
	return body, nil
}

// validFlags 要求每个 flag 都合法且至多出现一次。
func validFlags(flags string) bool {
	for i, flag := range flags {
		if !strings.ContainsRune("gimsuy", flag) || strings.ContainsRune(flags[i+1:], flag) {
			return false
		}
	}
	return true
}
