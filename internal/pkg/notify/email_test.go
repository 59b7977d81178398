package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"strings"
	"testing"
	"time"

	"relister/internal/config"

	"gopkg.in/gomail.v2"
)

type fakeSender struct {
	msgs []*gomail.Message
	err  error
}

func (f *fakeSender) DialAndSend(m ...*gomail.Message) error {
	f.msgs = append(f.msgs, m...)
	return f.err
}

func newNotifier(cfg config.EmailConfig, sender Sender) *EmailNotifier {
	n := NewEmailNotifier(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.sender = sender
	return n
}

func TestBatchCompleted(t *testing.T) {
	summary := BatchSummary{SessionID: "batch-0412", Total: 3, Succeeded: 1, Empty: 1, Failed: 1, Duration: 4 * time.Second}
	full := config.EmailConfig{SMTPHost: "smtp.example.com", SMTPPort: 587, SMTPUser: "bot", FromEmail: "bot@example.com", NotifyTo: "ops@example.com, lead@example.com"}

	tests := []struct {
		name     string
		cfg      config.EmailConfig
		sendErr  error
		wantSent int
		wantErr  bool
	}{
		{name: "not configured", cfg: config.EmailConfig{SMTPHost: "smtp.example.com"}, wantSent: 0},
		{name: "no recipient", cfg: config.EmailConfig{SMTPHost: "smtp.example.com", SMTPUser: "bot", FromEmail: "bot@example.com"}, wantSent: 0},
		{name: "sent", cfg: full, wantSent: 1},
		{name: "smtp failure", cfg: full, sendErr: errors.New("dial tcp: refused"), wantSent: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{err: tt.sendErr}
			err := newNotifier(tt.cfg, sender).BatchCompleted(context.Background(), summary)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(sender.msgs) != tt.wantSent {
				t.Fatalf("sent %d messages, want %d", len(sender.msgs), tt.wantSent)
			}
			if tt.wantSent == 1 {
				if got := sender.msgs[0].GetHeader("To"); len(got) != 2 {
					t.Fatalf("expected 2 recipients, got %v", got)
				}
				subj := sender.msgs[0].GetHeader("Subject")
				if len(subj) != 1 {
					t.Fatalf("unexpected subject %v", subj)
				}
				// gomail 以 Q 编码保存非 ASCII 标题
				decoded, err := new(mime.WordDecoder).DecodeHeader(subj[0])
				if err != nil {
					t.Fatalf("decode subject %q: %v", subj[0], err)
				}
				if decoded != subject(summary) || !strings.Contains(decoded, "1 行失败") {
					t.Fatalf("subject = %q, want %q", decoded, subject(summary))
				}
			}
		})
	}
}

func TestBuildHTMLBodyEscapesSession(t *testing.T) {
	body := buildHTMLBody(BatchSummary{SessionID: "<script>", Total: 1})
	if strings.Contains(body, "<script>") {
		t.Fatalf("session id must be escaped")
	}
}
