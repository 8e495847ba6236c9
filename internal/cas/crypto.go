package cas

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/url"
	"strings"
)

// encryptedMarker は暗号化済みパスワードに付ける固定プレフィックス。
// CASサーバー側が平文と暗号文を見分けるための上流契約。
const encryptedMarker = "__RSA__"

// EncryptPassword はCASの公開鍵で平文パスワードをRSA暗号化する。
// パディングはPKCS#1 v1.5。結果はマーカー付きbase64文字列。
func EncryptPassword(password, pemPublicKey string) (string, error) {
	block, _ := pem.Decode([]byte(pemPublicKey))
	if block == nil {
		return "", fmt.Errorf("failed to decode public key pem")
	}

	pub, err := parseRSAPublicKey(block.Bytes)
	if err != nil {
		return "", err
	}

	encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(password))
	if err != nil {
		return "", fmt.Errorf("rsa encryption failed: %w", err)
	}

	return encryptedMarker + base64.StdEncoding.EncodeToString(encrypted), nil
}

// parseRSAPublicKey はPKIX形式とPKCS#1形式の両方を受け付ける。
func parseRSAPublicKey(der []byte) (*rsa.PublicKey, error) {
	if key, err := x509.ParsePKIXPublicKey(der); err == nil {
		if pub, ok := key.(*rsa.PublicKey); ok {
			return pub, nil
		}
		return nil, fmt.Errorf("public key is not rsa")
	}
	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return pub, nil
}

// ExtractPortalToken はチケット付きリダイレクトURLからポータルIDトークンを取り出す。
// チケットはJWT形状で、第2セグメント（base64url）のペイロードに
// idTokenフィールドを含む。形が合わない場合は空文字を返し、エラーにはしない。
func ExtractPortalToken(redirectURL string) string {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return ""
	}
	ticket := u.Query().Get("ticket")
	if ticket == "" {
		return ""
	}

	parts := strings.Split(ticket, ".")
	if len(parts) != 3 {
		return ""
	}

	payload, err := decodeBase64URL(parts[1])
	if err != nil {
		return ""
	}

	var claims struct {
		IDToken string `json:"idToken"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ""
	}
	return claims.IDToken
}

// decodeBase64URL はパディングの有無を問わずbase64urlをデコードする。
// 長さが4の倍数になるよう'='で埋めてからデコードする。
func decodeBase64URL(s string) ([]byte, error) {
	if pad := len(s) % 4; pad > 0 {
		s += strings.Repeat("=", 4-pad)
	}
	return base64.URLEncoding.DecodeString(s)
}
