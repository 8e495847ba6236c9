// Package portal は認証済みCookieセッションの上で下流サービスの
// 生データを取得する。一卡通残高API（JSON）、個人情報API（JSON）、
// 教務システムの時間割・成績ページ（HTML）を扱う。
// 応答の構造解析はparserパッケージの責務で、ここでは取得と
// セッション失効の一次判定のみを行う。
package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/campusgate/internal/model"
	"github.com/hitoshi/campusgate/internal/netsession"
)

// Endpoints は下流サービスのエンドポイント群。外部契約であり
// 運用設定から注入される。テストでは差し替える。
type Endpoints struct {
	ECardAPI     string // 一卡通残高API
	ProfileAPI   string // 個人情報API（authx系ドメイン）
	ScheduleAPI  string // 時間割取得（教務システム）
	GradesAPI    string // 成績一覧（教務システム）
	PortalHome   string // ポータル系APIのReferer
	EduHome      string // 教務システム系のReferer
	ScheduleMode string // 時間割表示モードパラメータ
}

// Client は単一セッションに束縛された下流クライアント。
type Client struct {
	session *netsession.Session
	eps     Endpoints
	logger  *slog.Logger
}

// NewClient はClientを生成する。
func NewClient(session *netsession.Session, eps Endpoints, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{session: session, eps: eps, logger: logger}
}

// envelope は下流JSON APIの共通外形。codeは数値と文字列の両方が観測される。
type envelope struct {
	Code any `json:"code"`
}

// codeString はcodeフィールドを文字列へ正規化する。
func codeString(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case float64:
		return fmt.Sprintf("%.0f", c)
	case json.Number:
		return c.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(c)
	}
}

// FetchECard は一卡通残高APIの生JSONを取得する。
//
// JSONとして解釈できない応答（ログインページのHTML等）と
// 業務コード401/403はセッション失効として報告する。
func (c *Client) FetchECard(ctx context.Context, portalToken string) (json.RawMessage, error) {
	header := http.Header{}
	header.Set("X-Id-Token", portalToken)
	header.Set("Referer", c.eps.PortalHome)

	res, err := c.session.Request(ctx, c.eps.ECardAPI, netsession.RequestOptions{Header: header})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ecard data: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(res.Body, &env); err != nil {
		c.logger.Warn("一卡通APIが非JSON応答を返した", slog.Int("status", res.StatusCode))
		return nil, fmt.Errorf("ecard api returned non-json body: %w", model.ErrSessionExpired)
	}
	if code := codeString(env.Code); code == "401" || code == "403" {
		return nil, fmt.Errorf("ecard api returned code %s: %w", code, model.ErrSessionExpired)
	}
	return res.Body, nil
}

// FetchProfile は個人情報APIの生JSONを取得する。
// X-Device-Info/X-Terminal-Infoは必須ヘッダー。
// 業務コード0以外はトークン失効として報告する。
func (c *Client) FetchProfile(ctx context.Context, portalToken string) (json.RawMessage, error) {
	header := http.Header{}
	header.Set("X-Id-Token", portalToken)
	header.Set("X-Device-Info", "PC")
	header.Set("X-Terminal-Info", "PC")
	header.Set("Origin", originOf(c.eps.PortalHome))
	header.Set("Referer", c.eps.PortalHome)

	res, err := c.session.Request(ctx, c.eps.ProfileAPI, netsession.RequestOptions{Header: header})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile data: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(res.Body, &env); err != nil {
		c.logger.Warn("個人情報APIが非JSON応答を返した", slog.Int("status", res.StatusCode))
		return nil, fmt.Errorf("profile api returned non-json body: %w", model.ErrSessionExpired)
	}
	if code := codeString(env.Code); code != "0" {
		return nil, fmt.Errorf("profile api returned code %s: %w", code, model.ErrSessionExpired)
	}
	return res.Body, nil
}

// FetchSchedule は時間割ページの生HTMLを取得する。
// rqは当日の日付。応答にログインフォームが含まれる場合は
// 教務システム側のセッション切れとして報告する。
func (c *Client) FetchSchedule(ctx context.Context) ([]byte, error) {
	form := url.Values{}
	form.Set("rq", time.Now().Format("2006-01-02"))
	form.Set("sjmsValue", c.eps.ScheduleMode)

	body, err := c.postEducationForm(ctx, c.eps.ScheduleAPI, form)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch schedule page: %w", err)
	}
	return body, nil
}

// FetchGrades は成績一覧ページの生HTMLを取得する。
// 絞り込みなしの全件を要求する。
func (c *Client) FetchGrades(ctx context.Context) ([]byte, error) {
	form := url.Values{}
	form.Set("kksj", "")
	form.Set("kcxz", "")
	form.Set("kcmc", "")
	form.Set("xsfs", "all")

	body, err := c.postEducationForm(ctx, c.eps.GradesAPI, form)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch grades page: %w", err)
	}
	return body, nil
}

// postEducationForm は教務システムへフォームPOSTし、HTML応答を返す。
// 教務システムは失効時でも200でログインページを返すため、
// 本文のログインフォーム目印を二重に確認する。
func (c *Client) postEducationForm(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	header.Set("Referer", c.eps.EduHome)

	res, err := c.session.Request(ctx, endpoint, netsession.RequestOptions{
		Method: http.MethodPost,
		Header: header,
		Body:   strings.NewReader(form.Encode()),
	})
	if err != nil {
		return nil, err
	}

	text := string(res.Body)
	if strings.Contains(text, `id="username"`) || strings.Contains(text, "用户登录") {
		return nil, fmt.Errorf("education system served login form: %w", model.ErrSessionExpired)
	}
	return res.Body, nil
}

// originOf はReferer URLからOriginヘッダー値を導出する。
func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return rawURL
	}
	return u.Scheme + "://" + u.Host
}
