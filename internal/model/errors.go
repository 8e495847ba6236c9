// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// コアエラー。呼び出し元はerrors.Isで判定する。
var (
	// ErrSessionExpired は上流ポータルのセッションが失効したことを表す。
	// 検出した呼び出し元はセッションレコードを削除し、再ログインを要求する。
	ErrSessionExpired = errors.New("upstream session expired")

	// ErrNotBound は学籍番号が未紐付けのセッションで認証必須操作を行ったことを表す。
	ErrNotBound = errors.New("session not bound to a student")

	// ErrParseFailure は上流レスポンスが期待した形に解析できなかったことを表す。
	ErrParseFailure = errors.New("failed to parse upstream response")
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, upstream, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeSessionExpired  = "SESSION_EXPIRED"
	ErrCodeNotBound        = "NOT_BOUND"
	ErrCodeCaptchaRequired = "CAPTCHA_REQUIRED"
	ErrCodeLoginRejected   = "LOGIN_REJECTED"
	ErrCodeParseFailed     = "PARSE_FAILED"
	ErrCodeFetchFailed     = "FETCH_FAILED"
	ErrCodeInvalidToken    = "INVALID_TOKEN"
	ErrCodeInvalidInput    = "INVALID_INPUT"
)

// NewSessionExpiredError はセッション失効エラーを生成する。
func NewSessionExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionExpired,
		Message:  "ポータルのセッションが失効しました。",
		Category: "auth",
		Action:   "再度ログインしてください。",
	}
}

// NewNotBoundError は未ログインエラーを生成する。
func NewNotBoundError() *APIError {
	return &APIError{
		Code:     ErrCodeNotBound,
		Message:  "ログインしていません。",
		Category: "auth",
		Action:   "ログインしてからアクセスしてください。",
	}
}

// NewInvalidTokenError はトークン形式エラーを生成する。
func NewInvalidTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidToken,
		Message:  "セッショントークンの形式が不正です。",
		Category: "validation",
		Action:   "検証コードを取得し直してください。",
	}
}

// NewInvalidInputError は入力検証エラーを生成する。
func NewInvalidInputError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Message:  fmt.Sprintf("入力値が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewParseFailedError は解析失敗エラーを生成する。
func NewParseFailedError(artifactType string) *APIError {
	return &APIError{
		Code:     ErrCodeParseFailed,
		Message:  fmt.Sprintf("データの解析に失敗しました: %s", artifactType),
		Category: "upstream",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewFetchFailedError は上流取得失敗エラーを生成する。
func NewFetchFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeFetchFailed,
		Message:  fmt.Sprintf("データの取得に失敗しました: %s", reason),
		Category: "upstream",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
