package domain

import (
	"errors"
	"regexp"
	"strings"
)

// 地址校验相关的错误定义
var (
	ErrInvalidAddress   = errors.New("invalid email address")
	ErrLocalPartTooLong = errors.New("local part too long (max 64 chars)")
	ErrDomainTooLong    = errors.New("domain too long (max 253 chars)")
	ErrInvalidLocalPart = errors.New("invalid local part format")
	ErrInvalidDomain    = errors.New("invalid domain format")
)

// RFC 5321 长度限制
const (
	MaxLocalPartLength = 64
	MaxDomainLength    = 253
)

var (
	localPartRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._+-]*[a-zA-Z0-9]$|^[a-zA-Z0-9]$`)

	// 支持子域名
	domainRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+$`)
)

// ValidateLocalPart 校验 @ 前的本地部分
func ValidateLocalPart(localPart string) error {
	if localPart == "" {
		return ErrInvalidLocalPart
	}
	if len(localPart) > MaxLocalPartLength {
		return ErrLocalPartTooLong
	}
	if strings.Contains(localPart, "..") || !localPartRegex.MatchString(localPart) {
		return ErrInvalidLocalPart
	}
	return nil
}

// ValidateDomain 校验域名部分
func ValidateDomain(domain string) error {
	if domain == "" {
		return ErrInvalidDomain
	}
	if len(domain) > MaxDomainLength {
		return ErrDomainTooLong
	}
	if !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// SplitAddress 将 local@domain 拆分为两部分，没有 @ 时 domain 为空
func SplitAddress(address string) (localPart, domain string) {
	address = strings.TrimSpace(address)
	idx := strings.LastIndex(address, "@")
	if idx < 0 {
		return address, ""
	}
	return address[:idx], strings.ToLower(address[idx+1:])
}

// JoinAddress 组合本地部分与域名
func JoinAddress(localPart, domain string) string {
	return localPart + "@" + strings.ToLower(domain)
}

// ParseAddress 解析并校验一个完整的临时邮箱地址
func ParseAddress(address string) (localPart, domain string, err error) {
	localPart, domain = SplitAddress(address)
	if domain == "" {
		return "", "", ErrInvalidAddress
	}
	if err := ValidateLocalPart(localPart); err != nil {
		return "", "", err
	}
	if err := ValidateDomain(domain); err != nil {
		return "", "", err
	}
	return localPart, domain, nil
}
