// Package cas は機関SSOゲートウェイに対するログインフローを実装する。
// フォームのexecutionトークン取得、検証コード画像取得、パスワードの
// RSA暗号化、資格情報送信、チケット交換、下流サービスの有効化を含む。
package cas

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/hitoshi/campusgate/internal/netsession"
)

// Status はログイン試行の結果区分。
type Status string

const (
	// StatusSuccess はチケットを取得しログインが成立したことを示す。
	StatusSuccess Status = "success"
	// StatusCaptchaRequired はCASが検証コードを要求していることを示す。
	// 例外ではなくフラグ付きの正常な結果として扱う。
	StatusCaptchaRequired Status = "captcha_required"
	// StatusRejected は資格情報または検証コードが誤りであることを示す。
	// 詳細は意図的に区別しない。
	StatusRejected Status = "rejected"
)

// Endpoints はCASと下流サービスの固定エンドポイント群。
// フィールド名・フォーム項目・ステータスコードは外部契約であり、
// この系では設計しない。テストでは差し替える。
type Endpoints struct {
	LoginURL     string   // ログインフォーム兼チケット発行（GET/POST）
	CaptchaURL   string   // 検証コード画像
	PublicKeyURL string   // RSA公開鍵（PEM）
	Service      string   // serviceパラメータに渡す主ポータルURL
	Downstream   []string // チケット交換で有効化する従属サービスのserviceURL
}

// Result はログイン試行の結果。
type Result struct {
	Status      Status
	PortalToken string // チケットから抽出したIDトークン。成功時のみ
	RedirectURL string // チケット付きリダイレクト先。成功時のみ
}

// captchaPhrases は検証コードの不足・誤り・失効を示す応答中の語句。
// 小文字化した本文に対して照合する。
var captchaPhrases = []string{
	"验证码错误",
	"验证码不能为空",
	"验证码已失效",
	"验证码失效",
	"请输入验证码",
	"captcha",
}

// Flow はCookieSessionの上でSSOログイン交換を司る。
// どの段階でも自動リトライはしない。
type Flow struct {
	session *netsession.Session
	eps     Endpoints
	logger  *slog.Logger
}

// NewFlow はFlowを生成する。
func NewFlow(session *netsession.Session, eps Endpoints, logger *slog.Logger) *Flow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flow{session: session, eps: eps, logger: logger}
}

// loginFormURL はservice付きのログインURLを組み立てる。
func (f *Flow) loginFormURL() string {
	return f.eps.LoginURL + "?service=" + url.QueryEscape(f.eps.Service)
}

// FetchExecution はログインページを取得し、フォームのワンタイム
// executionトークンを抜き出す。このリクエストで得たCookieが
// 検証コード画像リクエストに引き継がれる。
func (f *Flow) FetchExecution(ctx context.Context) (string, error) {
	res, err := f.session.Request(ctx, f.loginFormURL(), netsession.RequestOptions{AuthFlow: true})
	if err != nil {
		return "", fmt.Errorf("failed to fetch login page: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body))
	if err != nil {
		return "", fmt.Errorf("failed to parse login page: %w", err)
	}

	execution, ok := doc.Find(`input[name="execution"]`).Attr("value")
	if !ok || execution == "" {
		return "", fmt.Errorf("execution token not found in login page")
	}
	return execution, nil
}

// FetchCaptcha は検証コード画像を取得する。
// キャッシュ回避のためタイムスタンプをクエリに付ける。
func (f *Flow) FetchCaptcha(ctx context.Context) ([]byte, error) {
	u := fmt.Sprintf("%s?r=%d", f.eps.CaptchaURL, time.Now().UnixMilli())
	res, err := f.session.Request(ctx, u, netsession.RequestOptions{AuthFlow: true})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch captcha: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("captcha endpoint returned %d", res.StatusCode)
	}
	return res.Body, nil
}

// fetchPublicKey は現在の公開鍵（PEM）を取得する。
func (f *Flow) fetchPublicKey(ctx context.Context) (string, error) {
	res, err := f.session.Request(ctx, f.eps.PublicKeyURL, netsession.RequestOptions{AuthFlow: true})
	if err != nil {
		return "", fmt.Errorf("failed to fetch public key: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("public key endpoint returned %d", res.StatusCode)
	}
	return string(res.Body), nil
}

// Login は資格情報を送信し、結果を分類して返す。
//
// チケット発行前のどの段階の失敗（公開鍵取得不可、暗号化失敗など）も
// StatusRejectedとして返す。成功時はチケットのリダイレクト連鎖を追跡して
// 主ポータルと全下流サービスのCookieを同一Jarへ蓄積する。
func (f *Flow) Login(ctx context.Context, username, password, captcha, execution string) (*Result, error) {
	if execution == "" {
		return &Result{Status: StatusRejected}, nil
	}

	pemKey, err := f.fetchPublicKey(ctx)
	if err != nil {
		f.logger.Warn("公開鍵の取得に失敗", slog.String("error", err.Error()))
		return &Result{Status: StatusRejected}, nil
	}

	encrypted, err := EncryptPassword(password, pemKey)
	if err != nil {
		f.logger.Error("パスワードの暗号化に失敗", slog.String("error", err.Error()))
		return &Result{Status: StatusRejected}, nil
	}

	form := url.Values{}
	form.Set("username", username)
	form.Set("password", encrypted)
	form.Set("currentMenu", "1")
	form.Set("execution", execution)
	form.Set("_eventId", "submit")
	form.Set("submit1", "Login1")
	// 失敗回数0を明示しないと、サーバー側デフォルトで検証コードが強制される
	form.Set("errorNum", "0")
	if captcha != "" {
		form.Set("captcha", captcha)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := f.session.Request(ctx, f.loginFormURL(), netsession.RequestOptions{
		Method:   http.MethodPost,
		Header:   header,
		Body:     strings.NewReader(form.Encode()),
		AuthFlow: true,
	})
	if err != nil {
		return nil, fmt.Errorf("credential submission failed: %w", err)
	}

	if res.StatusCode == http.StatusFound {
		if loc := res.Location(); strings.Contains(loc, "ticket=") {
			return f.completeLogin(ctx, loc)
		}
	}

	return f.classifyRejection(res.Body, captcha), nil
}

// completeLogin はチケットからポータルトークンを抽出し、
// 主ポータルと下流サービスを有効化する。
func (f *Flow) completeLogin(ctx context.Context, redirectURL string) (*Result, error) {
	portalToken := ExtractPortalToken(redirectURL)

	// 主ポータル: チケットのリダイレクト連鎖を追ってCookieを記録させる
	if _, err := f.session.FollowRedirects(ctx, redirectURL, 5); err != nil {
		return nil, fmt.Errorf("failed to activate portal session: %w", err)
	}

	// 下流サービス: serviceごとにチケット交換を繰り返す
	for _, svc := range f.eps.Downstream {
		if err := f.activateDownstream(ctx, svc); err != nil {
			return nil, fmt.Errorf("failed to activate downstream service: %w", err)
		}
	}

	f.logger.Info("CAS認証成立")
	return &Result{
		Status:      StatusSuccess,
		PortalToken: portalToken,
		RedirectURL: redirectURL,
	}, nil
}

// activateDownstream は従属サービスのチケット交換を行い、
// リダイレクト連鎖のCookieをJarへ蓄積する。
func (f *Flow) activateDownstream(ctx context.Context, serviceURL string) error {
	u := f.eps.LoginURL + "?service=" + url.QueryEscape(serviceURL)
	res, err := f.session.Request(ctx, u, netsession.RequestOptions{AuthFlow: true})
	if err != nil {
		return err
	}
	if res.StatusCode == http.StatusFound {
		if loc := res.Location(); loc != "" {
			if _, err := f.session.FollowRedirects(ctx, loc, 5); err != nil {
				return err
			}
		}
	}
	return nil
}

// classifyRejection はチケットが得られなかった応答を分類する。
// 検証コード関連の語句が見つかり、かつ呼び出し側がまだ検証コードを
// 送っていない場合のみCaptchaRequired。既に送っていた場合はRejectedに
// 落とす（クライアント側の検証コード無限リトライを防ぐ）。
func (f *Flow) classifyRejection(body []byte, suppliedCaptcha string) *Result {
	lower := strings.ToLower(string(body))
	for _, phrase := range captchaPhrases {
		if strings.Contains(lower, phrase) {
			if suppliedCaptcha != "" {
				return &Result{Status: StatusRejected}
			}
			return &Result{Status: StatusCaptchaRequired}
		}
	}
	return &Result{Status: StatusRejected}
}
