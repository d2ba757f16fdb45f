package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidAddress 地址文本格式非法。
var ErrInvalidAddress = errors.New("invalid mailbox address")

// protocolPattern 协议名格式：小写字母开头，后接小写字母、数字、+、.、-。
var protocolPattern = regexp.MustCompile(`^[a-z][a-z0-9+.-]*$`)

// MailAddress 表示一个邮箱地址，文本格式为 protocol:user@physical[/logical]。
//
// Protocol 决定消息由哪个提供者路由；user@physical 构成与协议无关的
// 邮箱身份，两个协议不同但 user@physical 相同的地址指向同一个逻辑邮箱。
// Logical 是可选的 "/" 分隔路径，用于服务内部的二级路由。
//
// 解析后不可变，可安全地在多个协程间共享。
type MailAddress struct {
	Protocol string // 协议名，解析时统一转为小写
	User     string // 用户标识，保留原始大小写
	Physical string // 物理位置（主机、域名等），保留原始大小写
	Logical  string // 可选的逻辑路径，不含前导 "/"
}

// ParseAddress 解析并校验地址文本。
//
// 校验规则：
//   - 协议非空且匹配 [a-z][a-z0-9+.-]*（大写字母会先被归一化为小写）
//   - 第一个 "/" 之前的部分必须恰好包含一个 "@"，且 user、physical 均非空
//   - 出现 "/" 时其后的 logical 部分必须非空
func ParseAddress(text string) (MailAddress, error) {
	colon := strings.Index(text, ":")
	if colon <= 0 {
		return MailAddress{}, fmt.Errorf("%w: missing protocol: %q", ErrInvalidAddress, text)
	}

	protocol := strings.ToLower(text[:colon])
	if !protocolPattern.MatchString(protocol) {
		return MailAddress{}, fmt.Errorf("%w: bad protocol %q", ErrInvalidAddress, text[:colon])
	}

	rest := text[colon+1:]
	local := rest
	logical := ""
	if slash := strings.Index(rest, "/"); slash >= 0 {
		local = rest[:slash]
		logical = rest[slash+1:]
		if logical == "" {
			return MailAddress{}, fmt.Errorf("%w: empty logical path: %q", ErrInvalidAddress, text)
		}
	}

	if strings.Count(local, "@") != 1 {
		return MailAddress{}, fmt.Errorf("%w: expected exactly one '@': %q", ErrInvalidAddress, text)
	}
	at := strings.Index(local, "@")
	user, physical := local[:at], local[at+1:]
	if user == "" {
		return MailAddress{}, fmt.Errorf("%w: empty user: %q", ErrInvalidAddress, text)
	}
	if physical == "" {
		return MailAddress{}, fmt.Errorf("%w: empty physical part: %q", ErrInvalidAddress, text)
	}

	return MailAddress{
		Protocol: protocol,
		User:     user,
		Physical: physical,
		Logical:  logical,
	}, nil
}

// String 重建规范地址文本，满足 ParseAddress(a.String()) == a。
func (a MailAddress) String() string {
	var sb strings.Builder
	sb.WriteString(a.Protocol)
	sb.WriteByte(':')
	sb.WriteString(a.User)
	sb.WriteByte('@')
	sb.WriteString(a.Physical)
	if a.Logical != "" {
		sb.WriteByte('/')
		sb.WriteString(a.Logical)
	}
	return sb.String()
}

// Canonical 返回与协议无关的邮箱身份标识 user@physical[/logical]。
//
// 提供者以该标识作为队列/订阅的主题键，使同一邮箱可经由不同协议到达。
func (a MailAddress) Canonical() string {
	var sb strings.Builder
	sb.WriteString(a.User)
	sb.WriteByte('@')
	sb.WriteString(a.Physical)
	if a.Logical != "" {
		sb.WriteByte('/')
		sb.WriteString(a.Logical)
	}
	return sb.String()
}

// IsZero 判断地址是否为零值（未解析）。
func (a MailAddress) IsZero() bool {
	return a.Protocol == "" && a.User == "" && a.Physical == "" && a.Logical == ""
}

// MarshalText 实现 encoding.TextMarshaler，序列化为规范地址文本。
func (a MailAddress) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (a *MailAddress) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
