package access

import (
	"strings"
	"testing"
	"time"

	"github.com/good-yellow-bee/alarmvault/internal/models"
)

func testContext(now time.Time) *models.AccessContext {
	return &models.AccessContext{
		UserID:    "user-123",
		Role:      models.RolePremium,
		SessionID: "sess-1",
		IssuedAt:  now,
		ExpiresAt: now.Add(30 * time.Minute),
	}
}

func TestTokenService_GenerateAndParse(t *testing.T) {
	svc := NewTokenService([]byte("test-secret-key-32-bytes-long!!"), "alarmvault")
	ac := testContext(time.Now())

	token, err := svc.Generate(ac)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	claims, err := svc.Parse(token)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if claims.UserID != ac.UserID || claims.SessionID != ac.SessionID || claims.Role != ac.Role {
		t.Errorf("claims mismatch: %+v", claims)
	}
}

func TestTokenService_Rejects(t *testing.T) {
	now := time.Now()
	svc := NewTokenService([]byte("test-secret-key-32-bytes-long!!"), "alarmvault")
	token, err := svc.Generate(testContext(now))
	if err != nil {
		t.Fatal(err)
	}

	other := NewTokenService([]byte("another-secret-key-32-bytes-long"), "alarmvault")
	wrongIssuer := NewTokenService([]byte("test-secret-key-32-bytes-long!!"), "someone-else")
	expired := NewTokenService([]byte("test-secret-key-32-bytes-long!!"), "alarmvault")
	expired.now = func() time.Time { return now.Add(time.Hour) }

	tests := []struct {
		name  string
		svc   *TokenService
		token string
	}{
		{"garbage", svc, "not.a.token"},
		{"empty", svc, ""},
		{"wrong secret", other, token},
		{"wrong issuer", wrongIssuer, token},
		{"expired", expired, token},
		{"truncated signature", svc, token[:strings.LastIndex(token, ".")+2]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.svc.Parse(tt.token); err == nil {
				t.Error("expected error")
			}
		})
	}
}
