package model

import (
	"net/mail"
	"regexp"
	"strings"
)

// phonePattern はケニアの携帯番号（+254 / 254 / 0 始まり、7または1に続く8桁）。
var phonePattern = regexp.MustCompile(`^(?:\+?254|0)(?:7|1)\d{8}$`)

// IsValidPhone は携帯番号の形式が正しいかどうかを返す。前後の空白は無視する。
func IsValidPhone(phone string) bool {
	return phonePattern.MatchString(strings.TrimSpace(phone))
}

// IsValidEmail はメールアドレスの形式が正しいかどうかを返す。
// 表示名付きの形式（"Jane <jane@example.com>"）は受け付けない。
func IsValidEmail(email string) bool {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}
