// Package security はトークン形式検証、入力検証、ログ用マスキングを提供する。
package security

import (
	"fmt"
	"regexp"
	"strings"
)

// tokenPattern はセッショントークンとして受理するUUID v4形式。
var tokenPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// studentIDPattern は学籍番号として受理する形式（数字8〜12桁）。
var studentIDPattern = regexp.MustCompile(`^\d{8,12}$`)

// captchaPattern は検証コードとして受理する形式（英数字4〜6文字）。
var captchaPattern = regexp.MustCompile(`^[A-Za-z0-9]{4,6}$`)

// ValidTokenFormat はトークンがUUID v4形式かを判定する。
// 大文字小文字は区別しない。
func ValidTokenFormat(token string) bool {
	return tokenPattern.MatchString(strings.ToLower(token))
}

// LoginInput はログインリクエストの入力値。
type LoginInput struct {
	SessionToken string
	Username     string
	Password     string
	Captcha      string
}

// ValidateLoginInput はログイン入力を検証する。
// 検証コードは任意項目（未入力はCAS側の要求次第で弾かれる）。
func ValidateLoginInput(in LoginInput) error {
	if !ValidTokenFormat(in.SessionToken) {
		return fmt.Errorf("セッショントークンの形式が不正です")
	}
	if !studentIDPattern.MatchString(in.Username) {
		return fmt.Errorf("学籍番号の形式が不正です")
	}
	if l := len(in.Password); l < 6 || l > 50 {
		return fmt.Errorf("パスワードは6〜50文字で指定してください")
	}
	if in.Captcha != "" && !captchaPattern.MatchString(in.Captcha) {
		return fmt.Errorf("検証コードの形式が不正です")
	}
	return nil
}

// MaskToken はログ出力用にトークンを先頭8文字に丸める。
func MaskToken(token string) string {
	if len(token) < 8 {
		return "***"
	}
	return token[:8] + "..."
}

// MaskStudentID はログ出力用に学籍番号の中間を伏せる。
func MaskStudentID(id string) string {
	return maskString(id, 4, 2)
}

// maskString は先頭showFirst文字と末尾showLast文字を残して伏せ字にする。
func maskString(s string, showFirst, showLast int) string {
	if len(s) <= showFirst+showLast {
		return strings.Repeat("*", len(s))
	}
	masked := len(s) - showFirst - showLast
	if masked > 6 {
		masked = 6
	}
	return s[:showFirst] + strings.Repeat("*", masked) + s[len(s)-showLast:]
}
