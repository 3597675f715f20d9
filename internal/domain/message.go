package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageID 邮件 ID
//
// 远端接口历史上既返回过字符串也返回过数字，这里统一按字符串比较。
type MessageID string

// UnmarshalJSON 同时接受 JSON 字符串与数字
func (id *MessageID) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*id = ""
		return nil
	}

	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid message id %s: %w", raw, err)
		}
		*id = MessageID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid message id %s: %w", raw, err)
	}
	*id = MessageID(n.String())
	return nil
}

// String 返回 ID 字符串
func (id MessageID) String() string {
	return string(id)
}

// Message 表示临时邮箱收到的一封邮件，接收后不可变。
type Message struct {
	ID      MessageID `json:"id"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Subject string    `json:"subject"`
	Text    string    `json:"text"`
	HTML    string    `json:"html,omitempty"`
	Date    string    `json:"date"`
	Read    bool      `json:"read"`

	// 旧版接口字段，仅用于 Normalize 回填
	FromName    string `json:"from_name,omitempty"`
	FromAddress string `json:"from_address,omitempty"`
	BodyText    string `json:"body_text,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// Normalize 用旧版字段回填缺失的标准字段
func (m *Message) Normalize() {
	if m.From == "" {
		switch {
		case m.FromName != "" && m.FromAddress != "":
			m.From = fmt.Sprintf("%s <%s>", m.FromName, m.FromAddress)
		case m.FromAddress != "":
			m.From = m.FromAddress
		default:
			m.From = m.FromName
		}
	}
	if m.Text == "" {
		m.Text = m.BodyText
	}
	if m.Date == "" {
		m.Date = m.CreatedAt
	}
}

// Sender 返回用于通知展示的发件人
func (m *Message) Sender() string {
	if m.From == "" {
		return "Unknown Sender"
	}
	return m.From
}
