package parser

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/hitoshi/campusgate/internal/model"
)

// ecardBalanceFields は残高フィールドの照合順。上流の応答形式には
// 世代差があり、先に見つかったものを採用する。
var ecardBalanceFields = []string{"cardWallet", "wallet", "balance", "card_wallet"}

// ParseECard は一卡通APIの生JSONを解析する。解析不能ならnilを返す。
// 業務コードが0/"0"以外でもdataがあれば解析を続行する。
func ParseECard(raw json.RawMessage, logger *slog.Logger) (*model.ECard, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var payload struct {
		Code    any            `json:"code"`
		Msg     string         `json:"msg"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, nil
	}

	if code := fmt.Sprint(payload.Code); code != "0" {
		msg := payload.Msg
		if msg == "" {
			msg = payload.Message
		}
		logger.Warn("一卡通APIがエラーコードを返した",
			slog.String("code", code), slog.String("msg", msg))
		if payload.Data == nil {
			return nil, nil
		}
	}

	balance := 0.0
	for _, field := range ecardBalanceFields {
		v, ok := payload.Data[field]
		if !ok {
			continue
		}
		if n, ok := asFloat(v); ok {
			balance = n
		}
		break
	}

	return &model.ECard{
		Balance:  balance,
		Status:   firstString(payload.Data, "cardStatus", "status", "未知"),
		LastTime: firstString(payload.Data, "dbTime", "time", ""),
	}, nil
}

// asFloat は数値・数値文字列をfloat64へ寄せる。
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// firstString はキー群を順に引き、最初に見つかった文字列を返す。
func firstString(data map[string]any, k1, k2, fallback string) string {
	for _, k := range []string{k1, k2} {
		if v, ok := data[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return fallback
}
