// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/campusgate/internal/model"
	"github.com/hitoshi/campusgate/internal/security"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// tokenContextKey はリクエストコンテキストにセッショントークンを格納するためのキー。
	tokenContextKey = contextKey("session_token")
	// studentIDContextKey はリクエストコンテキストに学籍番号を格納するためのキー。
	studentIDContextKey = contextKey("student_id")
)

// SessionResolver はセッションの解決に必要なインターフェース。
// repository.SessionRepositoryの部分集合として定義する。
type SessionResolver interface {
	FindByToken(ctx context.Context, token string) (*model.Session, error)
	Touch(ctx context.Context, token, studentID string) error
}

// NewSessionMiddleware はAuthorizationヘッダーのトークンを検証し、
// 紐付け済みセッションを解決するミドルウェアを返す。
// 解決できたセッションは最終アクセス時刻を更新（touch）し、
// トークンと学籍番号をリクエストコンテキストに注入する。
func NewSessionMiddleware(resolver SessionResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. トークン形式の検証。DBを引く前に弾く
			token := r.Header.Get("Authorization")
			if !security.ValidTokenFormat(token) {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidTokenError())
				return
			}

			// 2. セッションの解決
			session, err := resolver.FindByToken(r.Context(), token)
			if err != nil {
				slog.Error("セッションの取得に失敗",
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotBoundError())
				return
			}
			if !session.Bound() {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotBoundError())
				return
			}

			// 3. 最終アクセス時刻の更新。失敗は致命的ではない
			if err := resolver.Touch(r.Context(), token, *session.StudentID); err != nil {
				slog.Warn("セッションのtouchに失敗",
					slog.String("token", security.MaskToken(token)),
					slog.String("error", err.Error()),
				)
			}

			// 4. 認証済み識別子をコンテキストに注入
			ctx := ContextWithIdentity(r.Context(), token, *session.StudentID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TokenFromContext はリクエストコンテキストからセッショントークンを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func TokenFromContext(ctx context.Context) (string, error) {
	token, ok := ctx.Value(tokenContextKey).(string)
	if !ok || token == "" {
		return "", fmt.Errorf("session token not found in context")
	}
	return token, nil
}

// StudentIDFromContext はリクエストコンテキストから学籍番号を取得する。
func StudentIDFromContext(ctx context.Context) (string, error) {
	studentID, ok := ctx.Value(studentIDContextKey).(string)
	if !ok || studentID == "" {
		return "", fmt.Errorf("student ID not found in context")
	}
	return studentID, nil
}

// ContextWithIdentity はコンテキストにトークンと学籍番号を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithIdentity(ctx context.Context, token, studentID string) context.Context {
	ctx = context.WithValue(ctx, tokenContextKey, token)
	return context.WithValue(ctx, studentIDContextKey, studentID)
}
