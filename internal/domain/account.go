package domain

import "strings"

// PlanType 账户套餐类型
type PlanType string

const (
	PlanFree  PlanType = "FREE"
	PlanCore  PlanType = "CORE"
	PlanElite PlanType = "ELITE"
)

// Plan 账户套餐状态
type Plan struct {
	Type     PlanType `json:"type"`
	IsActive bool     `json:"isActive"`
}

// DefaultPlan 未获取到套餐信息时使用的默认值
func DefaultPlan() Plan {
	return Plan{Type: PlanFree, IsActive: false}
}

// IsPaid 判断是否为付费且处于激活状态的套餐
func (p Plan) IsPaid() bool {
	return p.IsActive && p.Type != PlanFree
}

// ParsePlanType 解析远端返回的套餐类型，未知值按 FREE 处理
func ParsePlanType(value string) PlanType {
	switch PlanType(strings.ToUpper(strings.TrimSpace(value))) {
	case PlanCore:
		return PlanCore
	case PlanElite:
		return PlanElite
	default:
		return PlanFree
	}
}

// Theme 界面主题
const (
	ThemeDark  = "dark"
	ThemeLight = "light"
)

// Preferences 用户偏好设置，每一项独立持久化
type Preferences struct {
	EnableDetection bool   `json:"enableDetection"`
	EnableAutofill  bool   `json:"enableAutofill"`
	AutoRefresh     bool   `json:"autoRefreshEnabled"`
	Theme           string `json:"theme"`
}

// DefaultPreferences 返回各偏好项未设置时的默认值
func DefaultPreferences() Preferences {
	return Preferences{
		EnableDetection: true,
		EnableAutofill:  true,
		AutoRefresh:     true,
		Theme:           ThemeDark,
	}
}

// PreferencesPatch 偏好设置的部分更新，nil 表示不修改
type PreferencesPatch struct {
	EnableDetection *bool   `json:"enableDetection,omitempty"`
	EnableAutofill  *bool   `json:"enableAutofill,omitempty"`
	AutoRefresh     *bool   `json:"autoRefreshEnabled,omitempty"`
	Theme           *string `json:"theme,omitempty"`
}

// IsEmpty 判断补丁是否没有任何字段
func (p PreferencesPatch) IsEmpty() bool {
	return p.EnableDetection == nil && p.EnableAutofill == nil && p.AutoRefresh == nil && p.Theme == nil
}
