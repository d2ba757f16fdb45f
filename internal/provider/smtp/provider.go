// Package smtp 提供只发不收的 SMTP 提供者。
//
// 消息经真实邮件网关外发，地址的 user@physical 部分直接作为
// 收发件人邮箱。SMTP 没有可编程的收件队列，订阅、拉取与状态
// 查询均不受支持。
package smtp

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"mailbus/kernel/internal/config"
	"mailbus/kernel/internal/domain"
	"mailbus/kernel/internal/mailbox"
)

// DefaultProtocol smtp 提供者的协议名。
const DefaultProtocol = "smtp"

// Provider 外发 SMTP 提供者，实现 mailbox.Provider 契约。
type Provider struct {
	addr     string
	username string
	password string
	log      *zap.Logger
}

// NewProvider 创建 SMTP 提供者。
func NewProvider(cfg *config.SMTPConfig, log *zap.Logger) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{
		addr:     cfg.Addr,
		username: cfg.Username,
		password: cfg.Password,
		log:      log,
	}
}

// Protocol 实现 mailbox.Provider。
func (p *Provider) Protocol() string { return DefaultProtocol }

// Send 把消息编码为 RFC 822 报文并经 SMTP 网关外发。
func (p *Provider) Send(ctx context.Context, msg *domain.MailMessage) error {
	from := msg.From.User + "@" + msg.From.Physical
	to := msg.To.User + "@" + msg.To.Physical

	var auth sasl.Client
	if p.username != "" {
		auth = sasl.NewPlainClient("", p.username, p.password)
	}

	body := encodeMessage(msg, from, to)
	if err := gosmtp.SendMail(p.addr, auth, from, []string{to}, bytes.NewReader(body)); err != nil {
		return &mailbox.ProviderError{Protocol: DefaultProtocol, Op: "send", Err: err}
	}
	p.log.Debug("relayed message via smtp",
		zap.String("message_id", msg.ID),
		zap.String("to", to),
	)
	return nil
}

// Subscribe 不受支持。
func (p *Provider) Subscribe(ctx context.Context, addr domain.MailAddress, onReceive mailbox.OnReceive) (*mailbox.Subscription, error) {
	return nil, &mailbox.ProviderError{Protocol: DefaultProtocol, Op: "subscribe", Err: mailbox.ErrNotSupported}
}

// Unsubscribe 没有可取消的订阅，直接成功。
func (p *Provider) Unsubscribe(ctx context.Context, subscriptionID string) error {
	return nil
}

// Fetch 不受支持。
func (p *Provider) Fetch(ctx context.Context, addr domain.MailAddress, opts domain.FetchOptions) (*mailbox.AckableMessage, error) {
	return nil, &mailbox.ProviderError{Protocol: DefaultProtocol, Op: "fetch", Err: mailbox.ErrNotSupported}
}

// Status SMTP 网关对远端邮箱一无所知，返回未知状态。
func (p *Provider) Status(ctx context.Context, addr domain.MailAddress) (*domain.MailboxStatus, error) {
	return &domain.MailboxStatus{State: domain.StateUnknown}, nil
}

// encodeMessage 把消息头部与 JSON 正文编码为简单的 RFC 822 报文。
func encodeMessage(msg *domain.MailMessage, from, to string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Message-ID: <%s>\r\n", msg.ID)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Content-Type: application/json; charset=utf-8\r\n")

	// 头部按键排序，报文内容可复现
	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, "X-Mailbus-%s: %s\r\n", k, msg.Headers[k])
	}

	buf.WriteString("\r\n")
	buf.Write(msg.Body)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

var _ mailbox.Provider = (*Provider)(nil)
