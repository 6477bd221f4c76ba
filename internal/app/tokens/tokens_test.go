package tokens

import (
	"testing"
	"time"

	"github.com/dkeye/voicelink/internal/domain"
)

func TestIssueVerify(t *testing.T) {
	s, err := New("secret", "app", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	iss, err := s.Issue("lobby", "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !iss.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expires = %v", iss.ExpiresAt)
	}
	exp, err := s.Verify(iss.Token, "lobby", "alice")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !exp.Equal(iss.ExpiresAt) {
		t.Fatalf("verified expiry = %v, want %v", exp, iss.ExpiresAt)
	}
}

func TestVerifyRejects(t *testing.T) {
	s, _ := New("secret", "app", time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	iss, _ := s.Issue("lobby", "alice")

	other, _ := New("other", "app", time.Hour)
	otherApp, _ := New("secret", "different", time.Hour)
	otherApp.now = s.now

	tests := []struct {
		name     string
		svc      *Service
		token    string
		channel  domain.ChannelID
		identity string
		at       time.Time
	}{
		{"empty", s, "", "lobby", "alice", now},
		{"garbage", s, "not.a.jwt", "lobby", "alice", now},
		{"wrong channel", s, iss.Token, "other", "alice", now},
		{"wrong identity", s, iss.Token, "lobby", "bob", now},
		{"wrong secret", other, iss.Token, "lobby", "alice", now},
		{"wrong app", otherApp, iss.Token, "lobby", "alice", now},
		{"expired", s, iss.Token, "lobby", "alice", now.Add(2 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at := tt.at
			tt.svc.now = func() time.Time { return at }
			if _, err := tt.svc.Verify(tt.token, tt.channel, tt.identity); !domain.IsCode(err, domain.CodeUnauthorized) {
				t.Fatalf("expected Unauthorized, got %v", err)
			}
		})
	}
}

func TestIssueValidation(t *testing.T) {
	s, _ := New("secret", "", 0)
	if _, err := s.Issue("", "alice"); !domain.IsCode(err, domain.CodeValidationFailed) {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
	if _, err := New("", "app", time.Hour); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
