package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"relister/internal/config"

	"gopkg.in/gomail.v2"
)

// Sender 发送一封已构造好的邮件，便于测试替换 SMTP。
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailNotifier 在批处理完成后给操作员发邮件。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
	sender Sender
}

// NewEmailNotifier 创建邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger,
		sender: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass),
	}
}

// Enabled 返回 SMTP 与收件人是否都已配置。
func (n *EmailNotifier) Enabled() bool {
	return n.cfg.SMTPHost != "" && n.cfg.SMTPUser != "" && n.cfg.FromEmail != "" && strings.TrimSpace(n.cfg.NotifyTo) != ""
}

// BatchCompleted 发送批处理完成通知；未配置时跳过。
func (n *EmailNotifier) BatchCompleted(ctx context.Context, s BatchSummary) error {
	if !n.Enabled() {
		n.logger.Debug("email not configured, skip batch notification", slog.String("session_id", s.SessionID))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", splitRecipients(n.cfg.NotifyTo)...)
	m.SetHeader("Subject", subject(s))
	m.SetBody("text/html", buildHTMLBody(s))

	if err := n.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	n.logger.Info("batch notification sent",
		slog.String("session_id", s.SessionID),
		slog.String("to", n.cfg.NotifyTo))
	return nil
}

func subject(s BatchSummary) string {
	if s.Failed > 0 {
		return fmt.Sprintf("[relister] %s 预取完成（%d 行失败）", s.SessionID, s.Failed)
	}
	return fmt.Sprintf("[relister] %s 预取完成", s.SessionID)
}

func buildHTMLBody(s BatchSummary) string {
	const tpl = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <div style="max-width: 520px; margin: 0 auto; padding: 16px;">
    <h2>会话 %s 预取完成</h2>
    <table style="border-collapse: collapse;">
      <tr><td>总行数</td><td><b>%d</b></td></tr>
      <tr><td>有候选</td><td>%d</td></tr>
      <tr><td>无结果</td><td>%d</td></tr>
      <tr><td>失败</td><td style="color:#ef4444;">%d</td></tr>
      <tr><td>耗时</td><td>%s</td></tr>
    </table>
  </div>
</body>
</html>`
	return fmt.Sprintf(tpl, html.EscapeString(s.SessionID), s.Total, s.Succeeded, s.Empty, s.Failed, s.Duration.Round(time.Second))
}

func splitRecipients(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
