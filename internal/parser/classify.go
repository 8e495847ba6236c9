// Package parser は下流サービスの生応答を構造化データへ変換する。
// 上流は失効時でもHTTP 200でログインページを返すことがあるため、
// 各パーサーは解析前に本文のログインページ判定を通す。
// 解析不能な入力に対してはpanicせず、nil結果を返す。
package parser

import "strings"

// Classification は応答本文の鮮度判定の結果。
type Classification int

const (
	// ClassUnknown は判定材料がないことを示す。
	ClassUnknown Classification = iota
	// ClassFresh は認証済みの応答と判定されたことを示す。
	ClassFresh
	// ClassExpired はログインページが返されたことを示す。
	ClassExpired
)

// loginPageMarkers はSSOログインページを特徴づける本文中の目印。
// 判定基準をここに集約し、各パーサーは独自の判定を持たない。
var loginPageMarkers = []string{
	"用户登录",
	`name="username"`,
	"top.location.href",
}

// Classify は応答本文がログインページかどうかを判定する。
func Classify(body []byte) Classification {
	if len(body) == 0 {
		return ClassUnknown
	}
	text := string(body)
	for _, marker := range loginPageMarkers {
		if strings.Contains(text, marker) {
			return ClassExpired
		}
	}
	return ClassFresh
}
