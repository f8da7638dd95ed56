package photobook

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	pageParam        = "page"
	widthParam       = "width"
	sessionBypassKey = "skipSessionTimeout"
)

// ErrNoPageParam is returned when a URL has no page query parameter to substitute.
var ErrNoPageParam = errors.New("photobook: url has no page parameter")

// Template is a page-render URL with a substitutable page parameter.
//
// The query is kept as the original raw key=value tokens so that Build
// touches nothing but the page value. The rendering endpoint signs its
// query (hash, access) and rejects reordered or re-encoded parameters,
// which rules out url.Values.Encode.
type Template struct {
	base     string
	tokens   []string
	fragment string
}

// Parse splits raw into a Template without rewriting any parameter.
func Parse(raw string) (Template, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Template{}, fmt.Errorf("parse template url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Template{}, fmt.Errorf("template url %q is not absolute", raw)
	}

	base, query, fragment := splitRaw(raw)
	t := Template{base: base, fragment: fragment}
	if query != "" {
		t.tokens = strings.Split(query, "&")
	}
	if !t.Has(pageParam) {
		return Template{}, ErrNoPageParam
	}
	return t, nil
}

// Prepare parses raw and applies the one-time rewrites: width is set to
// the target width (in place, or appended when missing) and the session
// bypass parameter is dropped. A width <= 0 leaves width untouched.
func Prepare(raw string, width int) (Template, error) {
	t, err := Parse(raw)
	if err != nil {
		return Template{}, err
	}
	out := make([]string, 0, len(t.tokens)+1)
	sawWidth := false
	for _, tok := range t.tokens {
		key := tokenKey(tok)
		switch {
		case key == sessionBypassKey:
			continue
		case key == widthParam && width > 0:
			if sawWidth {
				continue
			}
			sawWidth = true
			tok = widthParam + "=" + strconv.Itoa(width)
		}
		out = append(out, tok)
	}
	if !sawWidth && width > 0 {
		out = append(out, widthParam+"="+strconv.Itoa(width))
	}
	t.tokens = out
	return t, nil
}

// Build returns the URL for page. page must be >= 1; callers never pass
// anything smaller.
func (t Template) Build(page int) string {
	var b strings.Builder
	b.WriteString(t.base)
	if len(t.tokens) > 0 {
		b.WriteByte('?')
	}
	pv := strconv.Itoa(page)
	for i, tok := range t.tokens {
		if i > 0 {
			b.WriteByte('&')
		}
		if tokenKey(tok) == pageParam {
			b.WriteString(pageParam + "=" + pv)
			continue
		}
		b.WriteString(tok)
	}
	if t.fragment != "" {
		b.WriteByte('#')
		b.WriteString(t.fragment)
	}
	return b.String()
}

// Has reports whether the query carries key.
func (t Template) Has(key string) bool {
	_, ok := t.Param(key)
	return ok
}

// Param returns the decoded value of the first key token.
func (t Template) Param(key string) (string, bool) {
	for _, tok := range t.tokens {
		if tokenKey(tok) != key {
			continue
		}
		_, v, _ := strings.Cut(tok, "=")
		if dv, err := url.QueryUnescape(v); err == nil {
			return dv, true
		}
		return v, true
	}
	return "", false
}

// String returns the template with its page parameter as originally given.
func (t Template) String() string {
	var b strings.Builder
	b.WriteString(t.base)
	if len(t.tokens) > 0 {
		b.WriteByte('?')
		b.WriteString(strings.Join(t.tokens, "&"))
	}
	if t.fragment != "" {
		b.WriteByte('#')
		b.WriteString(t.fragment)
	}
	return b.String()
}

func splitRaw(raw string) (base, query, fragment string) {
	rest, fragment, _ := strings.Cut(raw, "#")
	base, query, _ = strings.Cut(rest, "?")
	return base, query, fragment
}

func tokenKey(tok string) string {
	k, _, _ := strings.Cut(tok, "=")
	if dk, err := url.QueryUnescape(k); err == nil {
		return dk
	}
	return k
}
