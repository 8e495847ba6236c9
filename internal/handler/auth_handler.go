// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/campusgate/internal/cas"
	"github.com/hitoshi/campusgate/internal/middleware"
	"github.com/hitoshi/campusgate/internal/model"
	"github.com/hitoshi/campusgate/internal/security"
	"github.com/hitoshi/campusgate/internal/student"
)

// defaultDeviceInfo はX-Device-Infoヘッダー未指定時の端末種別。
const defaultDeviceInfo = "PC"

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	// BeginLogin は一時セッションを作成し検証コード画像を取得する。
	BeginLogin(ctx context.Context, deviceInfo string) (*student.LoginStart, error)
	// SubmitLogin は資格情報をSSOへ送信し、成功時はセッションを学籍番号に紐付ける。
	SubmitLogin(ctx context.Context, token, username, password, captcha string) (*student.LoginResult, error)
	// Logout はセッションを削除する。冪等。
	Logout(ctx context.Context, token string) error
}

// AuthHandler はログインフロー関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

// --- リクエスト・レスポンス型 ---

// captchaResponse は検証コード取得のレスポンス。
// Captchaは画像バイト列のbase64エンコード。
type captchaResponse struct {
	Token   string `json:"token"`
	Captcha string `json:"captcha"`
}

// loginRequest はログインリクエストのボディ。
type loginRequest struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	Password string `json:"password"`
	Captcha  string `json:"captcha,omitempty"`
}

// loginResponse はログイン成功時のレスポンス。
type loginResponse struct {
	Status string `json:"status"`
}

// Captcha は新しいログインセッションを開始し検証コードを返す。
// POST /auth/captcha
func (h *AuthHandler) Captcha(w http.ResponseWriter, r *http.Request) {
	deviceInfo := r.Header.Get("X-Device-Info")
	if deviceInfo == "" {
		deviceInfo = defaultDeviceInfo
	}

	start, err := h.service.BeginLogin(r.Context(), deviceInfo)
	if err != nil {
		slog.Error("検証コードの準備に失敗", slog.String("error", err.Error()))
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(captchaResponse{
		Token:   start.Token,
		Captcha: base64.StdEncoding.EncodeToString(start.Captcha),
	})
}

// Login は資格情報を検証しSSOログインを実行する。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	if err := security.ValidateLoginInput(security.LoginInput{
		SessionToken: req.Token,
		Username:     req.Username,
		Password:     req.Password,
		Captcha:      req.Captcha,
	}); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidInputError(err.Error()))
		return
	}

	result, err := h.service.SubmitLogin(r.Context(), req.Token, req.Username, req.Password, req.Captcha)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	switch result.Status {
	case cas.StatusSuccess:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(loginResponse{Status: "success"})
	case cas.StatusCaptchaRequired:
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
			Code:     model.ErrCodeCaptchaRequired,
			Message:  "検証コードが必要です。",
			Category: "auth",
			Action:   "検証コードを取得し直して入力してください。",
		})
	default:
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
			Code:     model.ErrCodeLoginRejected,
			Message:  "学籍番号またはパスワードが正しくありません。",
			Category: "auth",
			Action:   "入力内容を確認して再度お試しください。",
		})
	}
}

// Logout はセッションを破棄する。対象が既に存在しない場合も成功扱い。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if !security.ValidTokenFormat(token) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidTokenError())
		return
	}

	if err := h.service.Logout(r.Context(), token); err != nil {
		slog.Error("ログアウト処理に失敗", slog.String("error", err.Error()))
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- compile-time interface checks ---

var (
	_ AuthServiceInterface = (*student.Service)(nil)
	_ StudentDataInterface = (*student.Service)(nil)
)
