// Package fields 判断页面输入框是邮箱框还是验证码框，供内容脚本决定注入与自动填充目标。
//
// 只采用显式信号（type、autocomplete、属性与标签中的关键词、单字符 OTP 组），
// 不根据 maxLength 猜测短数字输入框。
package fields

import (
	"regexp"
	"strings"
)

// Kind 输入框分类
type Kind string

const (
	KindNone  Kind = "none"
	KindEmail Kind = "email"
	KindCode  Kind = "code"
)

// Field 内容脚本上报的输入框描述
type Field struct {
	Type            string   `json:"type"`
	Name            string   `json:"name,omitempty"`
	ID              string   `json:"id,omitempty"`
	Placeholder     string   `json:"placeholder,omitempty"`
	AriaLabel       string   `json:"ariaLabel,omitempty"`
	AriaDescribedBy string   `json:"ariaDescribedBy,omitempty"`
	AriaHidden      bool     `json:"ariaHidden,omitempty"`
	Autocomplete    string   `json:"autocomplete,omitempty"`
	Labels          []string `json:"labels,omitempty"`
	MaxLength       int      `json:"maxLength,omitempty"`
	Visible         bool     `json:"visible"`
	Ignored         bool     `json:"ignored,omitempty"`
}

// Result 单个输入框的分类结果
type Result struct {
	Index int  `json:"index"`
	Kind  Kind `json:"kind"`
}

var (
	// 邮箱框永远不处理的类型
	excludedEmailTypes = map[string]bool{
		"checkbox": true, "radio": true, "button": true, "submit": true, "image": true,
		"file": true, "hidden": true, "password": true, "reset": true, "range": true,
		"color": true, "date": true, "datetime-local": true,
	}

	emailKeywords = []string{"email", "e-mail", "mail", "username", "identifier", "login"}

	codeKeywords = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bcode\b`),
		regexp.MustCompile(`(?i)\botp\b`),
		regexp.MustCompile(`(?i)\bpin\b`),
		regexp.MustCompile(`(?i)\bverif`),
		regexp.MustCompile(`(?i)\b2fa\b`),
		regexp.MustCompile(`(?i)\btoken\b`),
		regexp.MustCompile(`(?i)\bauth\b`),
	}

	// 单字符 OTP 输入框允许的类型
	otpTypes = map[string]bool{"text": true, "tel": true, "number": true}
)

func (f Field) inputType() string {
	t := strings.ToLower(strings.TrimSpace(f.Type))
	if t == "" {
		return "text"
	}
	return t
}

// IsEmail 判断是否为邮箱输入框
func IsEmail(f Field) bool {
	if f.Ignored {
		return false
	}
	t := f.inputType()
	if excludedEmailTypes[t] {
		return false
	}
	if !f.Visible || f.AriaHidden {
		return false
	}
	if t == "email" {
		return true
	}
	if strings.Contains(strings.ToLower(f.Name), "password") {
		return false
	}

	ac := strings.ToLower(f.Autocomplete)
	if ac == "email" || ac == "username" {
		return true
	}

	attrs := append([]string{f.Name, f.ID, f.Placeholder, f.AriaLabel}, f.Labels...)
	for _, attr := range attrs {
		lower := strings.ToLower(attr)
		if lower == "" {
			continue
		}
		for _, k := range emailKeywords {
			if strings.Contains(lower, k) {
				return true
			}
		}
	}
	return false
}

// IsCode 判断是否为验证码输入框
func IsCode(f Field) bool {
	t := f.inputType()
	if t == "hidden" || t == "email" || t == "password" {
		return false
	}
	if !f.Visible {
		return false
	}

	if strings.EqualFold(f.Autocomplete, "one-time-code") {
		return true
	}

	// 逐位输入的 OTP 组中的一格
	if isSingleChar(f) {
		return true
	}

	attrs := append([]string{f.Name, f.ID, f.Placeholder, f.AriaLabel, f.AriaDescribedBy}, f.Labels...)
	for _, attr := range attrs {
		if attr == "" {
			continue
		}
		for _, re := range codeKeywords {
			if re.MatchString(attr) {
				return true
			}
		}
	}
	return false
}

func isSingleChar(f Field) bool {
	return f.MaxLength == 1 && otpTypes[f.inputType()]
}

// Classify 对页面上的输入框逐个分类，验证码判断优先于邮箱判断
func Classify(fs []Field) []Result {
	out := make([]Result, len(fs))
	for i, f := range fs {
		kind := KindNone
		switch {
		case IsCode(f):
			kind = KindCode
		case IsEmail(f):
			kind = KindEmail
		}
		out[i] = Result{Index: i, Kind: kind}
	}
	return out
}

// OTPGroup 返回包含 anchor 的连续单字符输入框下标，少于两个时返回 nil
func OTPGroup(fs []Field, anchor int) []int {
	if anchor < 0 || anchor >= len(fs) || !isSingleChar(fs[anchor]) || !fs[anchor].Visible {
		return nil
	}

	start, end := anchor, anchor
	for start > 0 && isSingleChar(fs[start-1]) && fs[start-1].Visible {
		start--
	}
	for end < len(fs)-1 && isSingleChar(fs[end+1]) && fs[end+1].Visible {
		end++
	}
	if end == start {
		return nil
	}

	group := make([]int, 0, end-start+1)
	for i := start; i <= end; i++ {
		group = append(group, i)
	}
	return group
}

// FillTarget 选择自动填充的目标输入框，没有合适目标时返回 -1。
//
// 顺序：第一个可见的单字符输入框，其次第一个验证码输入框，
// 最后是当前聚焦的 text/tel/number 输入框（focused 为 -1 表示没有焦点）。
func FillTarget(fs []Field, focused int) int {
	for i, f := range fs {
		if f.Visible && isSingleChar(f) {
			return i
		}
	}
	for i, f := range fs {
		if IsCode(f) {
			return i
		}
	}
	if focused >= 0 && focused < len(fs) && otpTypes[fs[focused].inputType()] {
		return focused
	}
	return -1
}
