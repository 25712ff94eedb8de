package mailer

import (
	"context"
	"testing"
)

func TestNewSMTPSenderValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  SMTPConfig
		ok   bool
	}{
		{"starttls", SMTPConfig{URL: "smtp://mail.example.com:587", From: "Letter <noreply@example.com>"}, true},
		{"implicit tls", SMTPConfig{URL: "smtps://mail.example.com", From: "noreply@example.com", Username: "u", Password: "p"}, true},
		{"missing from", SMTPConfig{URL: "smtp://mail.example.com"}, false},
		{"missing host", SMTPConfig{URL: "smtp://", From: "noreply@example.com"}, false},
		{"bad scheme", SMTPConfig{URL: "http://mail.example.com", From: "noreply@example.com"}, false},
		{"bad port", SMTPConfig{URL: "smtp://mail.example.com:abc", From: "noreply@example.com"}, false},
	}
	for _, tc := range cases {
		_, err := NewSMTPSender(tc.cfg)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected err: %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestBuildMsgRejectsMalformedRecipient(t *testing.T) {
	_, err := buildMsg("noreply@example.com", Message{ToName: "Ada Lovelace", ToEmail: "not an address", Subject: "s", HTMLBody: "<p>x</p>"})
	if err == nil {
		t.Fatalf("expected invalid recipient error")
	}
	if _, err := buildMsg("noreply@example.com", Message{ToName: "Ada Lovelace", ToEmail: "ada@example.com", Subject: "s", HTMLBody: "<p>x</p>"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestLogSenderKeepsLastMessage(t *testing.T) {
	s := NewLogSender(nil)
	_ = s.Send(context.Background(), Message{ToEmail: "Ada@Example.com", Subject: "first"})
	_ = s.Send(context.Background(), Message{ToEmail: "ada@example.com", Subject: "second"})
	m, ok := s.Last("ada@example.com")
	if !ok || m.Subject != "second" {
		t.Fatalf("expected last message, got %+v ok=%v", m, ok)
	}
}

func TestSMTPSenderServerAddr(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"smtps://mail.example.com", "mail.example.com:465"},
		{"smtps://mail.example.com:2465", "mail.example.com:2465"},
		{"smtp://mail.example.com", "mail.example.com:587"},
		{"smtp://mail.example.com:2525", "mail.example.com:2525"},
		{"smtp://mail.example.com:25", "mail.example.com:25"},
	}
	for _, tc := range cases {
		s, err := NewSMTPSender(SMTPConfig{URL: tc.url, From: "noreply@example.com", Username: "u", Password: "p"})
		if err != nil {
			t.Fatalf("%s: unexpected err: %v", tc.url, err)
		}
		c, err := s.client()
		if err != nil {
			t.Fatalf("%s: client: %v", tc.url, err)
		}
		if got := c.ServerAddr(); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.url, tc.want, got)
		}
	}
}
