package netsession

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/campusgate/internal/model"
)

// userAgent は上流へ送る固定のブラウザ相当User-Agent。
const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) Chrome/120.0.0.0 Safari/537.36"

// maxResponseSize は上流レスポンスの読み取り上限。
const maxResponseSize = 10 << 20 // 10MB

// defaultLoginPathMarker はリダイレクト先がSSOログインページかを判定する部分文字列。
const defaultLoginPathMarker = "cas/login"

// RequestOptions は1リクエストのオプション。
type RequestOptions struct {
	Method string    // 空ならGET
	Header http.Header
	Body   io.Reader

	// AuthFlow はログインフロー中であることを示す。
	// ログインフロー中は401/403やログインページへのリダイレクトを
	// セッション失効として扱わない（ログイン失敗は正常系のため）。
	AuthFlow bool
}

// Response は読み取り済みの上流レスポンス。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Location はリダイレクト先ヘッダを返す。
func (r *Response) Location() string {
	return r.Header.Get("Location")
}

// IsRedirect は手動追跡の対象となるステータスかを返す。
func (r *Response) IsRedirect() bool {
	switch r.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
		return true
	}
	return false
}

// Session はCookie Jar付きのHTTPリクエスト発行者。
// 下層のトランスポートはリダイレクトを自動追跡しない。
// 中間レスポンスの検査・リプレイを呼び出し側に委ねるためである。
type Session struct {
	jar             *Jar
	client          *http.Client
	loginPathMarker string
}

// NewHTTPClient はリダイレクト自動追跡を無効化したHTTPクライアントを生成する。
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// New は保存済みCookie状態からセッションを復元する。
// stateが空または壊れている場合は空のJarで開始する。
func New(state json.RawMessage, client *http.Client) *Session {
	if client == nil {
		client = NewHTTPClient(15 * time.Second)
	}
	return &Session{
		jar:             ImportJar(state),
		client:          client,
		loginPathMarker: defaultLoginPathMarker,
	}
}

// SetLoginPathMarker はセッション失効判定に使うログインページの目印を変更する。
// 主にテスト用。
func (s *Session) SetLoginPathMarker(marker string) {
	s.loginPathMarker = marker
}

// ExportState はJarの現在の内容をシリアライズして返す。
func (s *Session) ExportState() json.RawMessage {
	return s.jar.Export()
}

// Jar は内部のJarを返す。テストおよび診断用。
func (s *Session) Jar() *Jar {
	return s.jar
}

// Request はJarのCookieを載せてHTTPリクエストを発行し、
// レスポンスのSet-CookieをJarへ取り込んで返す。
//
// AuthFlowでない場合、401/403またはログインページへのリダイレクトは
// model.ErrSessionExpiredとして返す。これがパーサー層より下で唯一の
// セッション失効検出点である。
func (s *Session) Request(ctx context.Context, rawURL string, opts RequestOptions) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid request url: %w", err)
	}

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, opts.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	if header := s.jar.CookieHeader(u); header != "" {
		req.Header.Set("Cookie", header)
	}

	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	s.jar.SetCookies(u, res.Cookies())

	resp := &Response{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       body,
	}

	if !opts.AuthFlow {
		if err := s.detectExpiry(resp); err != nil {
			return nil, err
		}
	}

	return resp, nil
}

// detectExpiry は認証済みリクエストのレスポンスからセッション失効を検出する。
func (s *Session) detectExpiry(resp *Response) error {
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("upstream returned %d: %w", resp.StatusCode, model.ErrSessionExpired)
	}
	if resp.IsRedirect() && strings.Contains(resp.Location(), s.loginPathMarker) {
		slog.Debug("redirected to sso login page", slog.String("location", resp.Location()))
		return fmt.Errorf("redirected to login page: %w", model.ErrSessionExpired)
	}
	return nil
}

// FollowRedirects はリダイレクト連鎖を手動で追跡する。
// maxHops<=0はデフォルト(5)。全ホップでJarにCookieを蓄積する。
// 常にログインフローとして動作し、失効検出は行わない。
func (s *Session) FollowRedirects(ctx context.Context, rawURL string, maxHops int) (*Response, error) {
	if maxHops <= 0 {
		maxHops = 5
	}

	current := rawURL
	res, err := s.Request(ctx, current, RequestOptions{AuthFlow: true})
	if err != nil {
		return nil, err
	}

	for hop := 0; hop < maxHops && res.IsRedirect(); hop++ {
		loc := res.Location()
		if loc == "" {
			break
		}
		next, err := resolveLocation(current, loc)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve redirect target: %w", err)
		}
		res, err = s.Request(ctx, next, RequestOptions{Method: http.MethodGet, AuthFlow: true})
		if err != nil {
			return nil, err
		}
		current = next
	}

	return res, nil
}

// resolveLocation は相対Locationヘッダを現在URLを基準に解決する。
func resolveLocation(base, loc string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	locURL, err := url.Parse(loc)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(locURL).String(), nil
}
