package domain

import (
	"strings"
	"time"
)

// Address 表示一个邮件地址及其显示名称。
type Address struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Message 表示一封已被接收并规范化的邮件，入库后不可变。
type Message struct {
	// Seq 为插入序号，淘汰顺序严格按照该字段
	Seq        int64     `json:"-" gorm:"primaryKey;autoIncrement"`
	ID         string    `json:"id" gorm:"uniqueIndex;type:varchar(36);not null"`
	From       Address   `json:"from" gorm:"serializer:json;type:text"`
	To         []Address `json:"to" gorm:"serializer:json;type:text"`
	Subject    string    `json:"subject" gorm:"type:text"`
	Text       string    `json:"text" gorm:"type:text"`
	HTML       string    `json:"html" gorm:"type:text"`
	ReceivedAt time.Time `json:"date" gorm:"index"`
}

// HasRecipient 判断邮件是否发往指定地址（不区分大小写的完整匹配）。
func (m *Message) HasRecipient(address string) bool {
	for _, to := range m.To {
		if strings.EqualFold(to.Address, address) {
			return true
		}
	}
	return false
}

// PrimaryRecipient 返回第一个收件人地址，没有收件人时返回 "Unknown"。
func (m *Message) PrimaryRecipient() string {
	if len(m.To) == 0 || m.To[0].Address == "" {
		return "Unknown"
	}
	return m.To[0].Address
}
