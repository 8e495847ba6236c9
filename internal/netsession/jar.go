// Package netsession はCookie Jar付きのブラウザ相当HTTPセッションを提供する。
// Jarはエクスポート/インポート可能で、セッションレコードのcookie_state列と
// 相互変換される。標準ライブラリのcookiejarは内容を取り出せないため、
// RFC 6265のサブセットを自前で実装している。
package netsession

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Cookie はJarに保持する1つのCookieを表す。
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain"`             // 正規化済み（小文字、先頭ドットなし）
	Path     string `json:"path"`
	Expires  int64  `json:"expires,omitempty"`  // unixミリ秒。0はセッションCookie
	Secure   bool   `json:"secure,omitempty"`
	HttpOnly bool   `json:"httpOnly,omitempty"`
	HostOnly bool   `json:"hostOnly,omitempty"` // Domain属性なしで設定されたCookie
}

// Jar はドメイン/パススコープ付きのCookie集合。
// 1回の認証済み操作の間だけメモリ上に存在し、操作の前後で
// セッションストアとの間をエクスポート/インポートで往復する。
type Jar struct {
	cookies []*Cookie
}

// jarState はエクスポート形式。
type jarState struct {
	Cookies []*Cookie `json:"cookies"`
}

// NewJar は空のJarを生成する。
func NewJar() *Jar {
	return &Jar{}
}

// ImportJar はエクスポート済み状態からJarを復元する。
// 壊れた状態や空の状態は空のJarとして扱い、エラーにはしない。
func ImportJar(state json.RawMessage) *Jar {
	if len(state) == 0 {
		return NewJar()
	}
	var st jarState
	if err := json.Unmarshal(state, &st); err != nil || st.Cookies == nil {
		slog.Debug("cookie state restore failed, starting with empty jar")
		return NewJar()
	}
	jar := NewJar()
	for _, c := range st.Cookies {
		if c == nil || c.Name == "" {
			continue
		}
		jar.cookies = append(jar.cookies, c)
	}
	return jar
}

// Export はJarの内容をシリアライズする。
func (j *Jar) Export() json.RawMessage {
	st := jarState{Cookies: j.cookies}
	if st.Cookies == nil {
		st.Cookies = []*Cookie{}
	}
	b, err := json.Marshal(st)
	if err != nil {
		return json.RawMessage(`{"cookies":[]}`)
	}
	return b
}

// SetCookies はレスポンスのSet-Cookie群をリクエストURLにスコープして取り込む。
// 不正なCookie行はスキップする（致命的エラーにしない）。
func (j *Jar) SetCookies(reqURL *url.URL, cookies []*http.Cookie) {
	host := strings.ToLower(reqURL.Hostname())
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}

		stored := &Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		}

		// ドメインスコープ。Domain属性なしはホスト限定Cookie。
		if c.Domain == "" {
			stored.Domain = host
			stored.HostOnly = true
		} else {
			domain := strings.ToLower(strings.TrimPrefix(c.Domain, "."))
			if !domainAcceptable(host, domain) {
				slog.Debug("cookie rejected: domain out of scope",
					slog.String("cookie", c.Name),
					slog.String("domain", domain),
				)
				continue
			}
			stored.Domain = domain
		}

		// パススコープ。Path属性なしはリクエストパスのディレクトリ。
		if c.Path == "" || !strings.HasPrefix(c.Path, "/") {
			stored.Path = defaultPath(reqURL.Path)
		} else {
			stored.Path = c.Path
		}

		// 有効期限。MaxAge優先、負値は即時削除。
		switch {
		case c.MaxAge < 0:
			j.remove(stored.Name, stored.Domain, stored.Path)
			continue
		case c.MaxAge > 0:
			stored.Expires = time.Now().Add(time.Duration(c.MaxAge) * time.Second).UnixMilli()
		case !c.Expires.IsZero():
			if c.Expires.Before(time.Now()) {
				j.remove(stored.Name, stored.Domain, stored.Path)
				continue
			}
			stored.Expires = c.Expires.UnixMilli()
		}

		j.upsert(stored)
	}
}

// Cookies は指定URLへのリクエストに載せるCookieを返す。
// 返却順は設定順。期限切れはこのタイミングで破棄する。
func (j *Jar) Cookies(reqURL *url.URL) []*Cookie {
	host := strings.ToLower(reqURL.Hostname())
	path := reqURL.Path
	if path == "" {
		path = "/"
	}
	secure := reqURL.Scheme == "https"
	now := time.Now().UnixMilli()

	var out []*Cookie
	kept := j.cookies[:0]
	for _, c := range j.cookies {
		if c.Expires != 0 && c.Expires < now {
			continue // 期限切れを破棄
		}
		kept = append(kept, c)

		if !domainMatch(host, c) {
			continue
		}
		if !pathMatch(path, c.Path) {
			continue
		}
		if c.Secure && !secure {
			continue
		}
		out = append(out, c)
	}
	j.cookies = kept
	return out
}

// CookieHeader はCookieリクエストヘッダ値を組み立てる。該当なしは空文字。
func (j *Jar) CookieHeader(reqURL *url.URL) string {
	cookies := j.Cookies(reqURL)
	if len(cookies) == 0 {
		return ""
	}
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// Len は保持しているCookie数を返す。
func (j *Jar) Len() int {
	return len(j.cookies)
}

// upsert は(name, domain, path)が一致する既存Cookieを置き換える。
func (j *Jar) upsert(c *Cookie) {
	for i, old := range j.cookies {
		if old.Name == c.Name && old.Domain == c.Domain && old.Path == c.Path {
			j.cookies[i] = c
			return
		}
	}
	j.cookies = append(j.cookies, c)
}

func (j *Jar) remove(name, domain, path string) {
	kept := j.cookies[:0]
	for _, c := range j.cookies {
		if c.Name == name && c.Domain == domain && c.Path == path {
			continue
		}
		kept = append(kept, c)
	}
	j.cookies = kept
}

// domainAcceptable はSet-CookieのDomain属性がリクエストホストに対して
// 許されるかを判定する。公開サフィックス（edu.cn等）への設定は拒否する。
func domainAcceptable(host, domain string) bool {
	if host == domain {
		return true
	}
	if ps, _ := publicsuffix.PublicSuffix(domain); ps == domain {
		return false
	}
	return strings.HasSuffix(host, "."+domain)
}

// domainMatch はリクエストホストがCookieのスコープに入るかを判定する。
func domainMatch(host string, c *Cookie) bool {
	if c.HostOnly {
		return host == c.Domain
	}
	return host == c.Domain || strings.HasSuffix(host, "."+c.Domain)
}

// pathMatch はRFC 6265 5.1.4のパス一致を判定する。
func pathMatch(reqPath, cookiePath string) bool {
	if reqPath == cookiePath {
		return true
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || reqPath[len(cookiePath)] == '/'
}

// defaultPath はPath属性なしのCookieに与えるデフォルトパスを返す。
func defaultPath(reqPath string) string {
	if reqPath == "" || !strings.HasPrefix(reqPath, "/") {
		return "/"
	}
	idx := strings.LastIndex(reqPath, "/")
	if idx == 0 {
		return "/"
	}
	return reqPath[:idx]
}
