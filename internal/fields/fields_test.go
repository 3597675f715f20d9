package fields

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsEmail(t *testing.T) {
	tests := []struct {
		name     string
		field    Field
		expected bool
	}{
		{"email type", Field{Type: "email", Visible: true}, true},
		{"autocomplete username", Field{Type: "text", Autocomplete: "username", Visible: true}, true},
		{"name keyword", Field{Type: "text", Name: "user_email", Visible: true}, true},
		{"label keyword", Field{Type: "text", Labels: []string{"Login"}, Visible: true}, true},
		{"password type", Field{Type: "password", Name: "email", Visible: true}, false},
		{"password name", Field{Type: "text", Name: "mail_password", Visible: true}, false},
		{"hidden by aria", Field{Type: "email", AriaHidden: true, Visible: true}, false},
		{"invisible", Field{Type: "email"}, false},
		{"ignored", Field{Type: "email", Visible: true, Ignored: true}, false},
		{"checkbox", Field{Type: "checkbox", Name: "email_opt_in", Visible: true}, false},
		{"unrelated", Field{Type: "text", Name: "first_name", Visible: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsEmail(tt.field))
		})
	}
}

func TestIsCode(t *testing.T) {
	tests := []struct {
		name     string
		field    Field
		expected bool
	}{
		{"one-time-code", Field{Type: "text", Autocomplete: "one-time-code", Visible: true}, true},
		{"single char tel", Field{Type: "tel", MaxLength: 1, Visible: true}, true},
		{"name otp", Field{Type: "text", Name: "otp", Visible: true}, true},
		{"placeholder verification", Field{Type: "text", Placeholder: "Verification code", Visible: true}, true},
		{"aria described by 2fa", Field{Type: "text", AriaDescribedBy: "2fa hint", Visible: true}, true},
		{"label auth", Field{Type: "number", Labels: []string{"Auth token"}, Visible: true}, true},
		{"short numeric without signal", Field{Type: "text", MaxLength: 6, Name: "zip", Visible: true}, false},
		{"postcode is not code", Field{Type: "text", Name: "postcode", Visible: true}, false},
		{"password", Field{Type: "password", Name: "pin", Visible: true}, false},
		{"email", Field{Type: "email", Name: "code", Visible: true}, false},
		{"invisible", Field{Type: "text", Name: "otp"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsCode(tt.field))
		})
	}
}

func TestClassify(t *testing.T) {
	results := Classify([]Field{
		{Type: "email", Visible: true},
		{Type: "text", Name: "otp", Visible: true},
		{Type: "text", Name: "city", Visible: true},
	})

	assert.Equal(t, []Result{
		{Index: 0, Kind: KindEmail},
		{Index: 1, Kind: KindCode},
		{Index: 2, Kind: KindNone},
	}, results)
}

func TestOTPGroup(t *testing.T) {
	single := Field{Type: "text", MaxLength: 1, Visible: true}
	fs := []Field{
		{Type: "email", Visible: true},
		single, single, single, single,
		{Type: "submit", Visible: true},
		single,
	}

	t.Run("连续单字符输入框", func(t *testing.T) {
		assert.Equal(t, []int{1, 2, 3, 4}, OTPGroup(fs, 3))
	})

	t.Run("孤立的单字符输入框", func(t *testing.T) {
		assert.Nil(t, OTPGroup(fs, 6))
	})

	t.Run("锚点不是单字符输入框", func(t *testing.T) {
		assert.Nil(t, OTPGroup(fs, 0))
		assert.Nil(t, OTPGroup(fs, 99))
	})
}

func TestFillTarget(t *testing.T) {
	t.Run("优先单字符输入框", func(t *testing.T) {
		fs := []Field{
			{Type: "text", Name: "otp", Visible: true},
			{Type: "tel", MaxLength: 1, Visible: true},
		}
		assert.Equal(t, 1, FillTarget(fs, -1))
	})

	t.Run("其次验证码输入框", func(t *testing.T) {
		fs := []Field{
			{Type: "email", Visible: true},
			{Type: "text", Autocomplete: "one-time-code", Visible: true},
		}
		assert.Equal(t, 1, FillTarget(fs, 0))
	})

	t.Run("最后使用聚焦输入框", func(t *testing.T) {
		fs := []Field{
			{Type: "email", Visible: true},
			{Type: "text", Name: "misc", Visible: true},
		}
		assert.Equal(t, 1, FillTarget(fs, 1))
		assert.Equal(t, -1, FillTarget(fs, 0))
		assert.Equal(t, -1, FillTarget(fs, -1))
	})
}
