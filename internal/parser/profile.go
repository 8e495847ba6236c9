package parser

import (
	"encoding/json"
	"fmt"

	"github.com/hitoshi/campusgate/internal/model"
)

// ParseProfile は個人情報APIの生JSONを解析する。解析不能ならnilを返す。
func ParseProfile(raw json.RawMessage) (*model.Profile, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var payload struct {
		Code any `json:"code"`
		Data *struct {
			Username   string `json:"username"` // 学籍番号
			Attributes struct {
				UserName         string `json:"userName"`         // 氏名
				OrganizationName string `json:"organizationName"` // クラス名
				IdentityTypeName string `json:"identityTypeName"`
				OrganizationCode string `json:"organizationCode"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, nil
	}
	if fmt.Sprint(payload.Code) != "0" || payload.Data == nil {
		return nil, nil
	}

	attrs := payload.Data.Attributes
	profile := &model.Profile{
		Name:             attrs.UserName,
		StudentID:        payload.Data.Username,
		ClassName:        attrs.OrganizationName,
		Identity:         attrs.IdentityTypeName,
		OrganizationCode: attrs.OrganizationCode,
	}
	if profile.Name == "" {
		profile.Name = "未知姓名"
	}
	if profile.Identity == "" {
		profile.Identity = "学生"
	}
	return profile, nil
}
