package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/campusgate/internal/middleware"
	"github.com/hitoshi/campusgate/internal/model"
)

// StudentDataInterface はデータハンドラーが必要とするサービスインターフェース。
// 各メソッドは正規化済みJSONペイロードと取得元（cache / network）を返す。
type StudentDataInterface interface {
	GetSchedule(ctx context.Context, token string, refresh bool) (json.RawMessage, model.DataSource, error)
	GetGrades(ctx context.Context, token string, refresh bool) (json.RawMessage, model.DataSource, error)
	GetECard(ctx context.Context, token string) (json.RawMessage, model.DataSource, error)
	GetProfile(ctx context.Context, token string, refresh bool) (json.RawMessage, model.DataSource, error)
}

// DataHandler は学生データ取得のHTTPハンドラー。
type DataHandler struct {
	service StudentDataInterface
}

// NewDataHandler はDataHandlerを生成する。
func NewDataHandler(service StudentDataInterface) *DataHandler {
	return &DataHandler{service: service}
}

// artifactResponse はデータ取得レスポンスの共通フォーマット。
type artifactResponse struct {
	Source string          `json:"source"`
	Data   json.RawMessage `json:"data"`
}

// fetchFn は各エンドポイントの取得処理。
type fetchFn func(ctx context.Context, token string, refresh bool) (json.RawMessage, model.DataSource, error)

// serve はトークン解決・refresh解釈・エラー変換を共通化する。
func (h *DataHandler) serve(w http.ResponseWriter, r *http.Request, fn fetchFn) {
	token, err := middleware.TokenFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotBoundError())
		return
	}

	refresh := r.URL.Query().Get("refresh") == "true"

	data, source, err := fn(r.Context(), token, refresh)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(artifactResponse{
		Source: string(source),
		Data:   data,
	})
}

// GetSchedule は時間割を取得する。
// GET /api/schedule?refresh=true
func (h *DataHandler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.service.GetSchedule)
}

// GetGrades は成績一覧を取得する。
// GET /api/grades?refresh=true
func (h *DataHandler) GetGrades(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.service.GetGrades)
}

// GetECard はカード残高を取得する。常に上流へ取りに行く。
// GET /api/ecard
func (h *DataHandler) GetECard(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, func(ctx context.Context, token string, _ bool) (json.RawMessage, model.DataSource, error) {
		return h.service.GetECard(ctx, token)
	})
}

// GetProfile は学生プロフィールを取得する。
// GET /api/user?refresh=true
func (h *DataHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.service.GetProfile)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	switch {
	case errors.Is(err, model.ErrSessionExpired):
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionExpiredError())
	case errors.Is(err, model.ErrNotBound):
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotBoundError())
	case errors.Is(err, model.ErrParseFailure):
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewParseFailedError("upstream"))
	default:
		// 分類できないエラーは内部サーバーエラーとして扱う
		slog.Error("internal server error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeSessionExpired, model.ErrCodeNotBound,
		model.ErrCodeCaptchaRequired, model.ErrCodeLoginRejected:
		return http.StatusUnauthorized
	case model.ErrCodeInvalidToken, model.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case model.ErrCodeParseFailed, model.ErrCodeFetchFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
