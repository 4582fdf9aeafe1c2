package access

import (
	"errors"
	"strings"
	"testing"
)

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantOK   bool
	}{
		{"valid complex", "MyP@ssw0rd123!", true},
		{"valid minimal", "Abcdefgh123!", true},
		{"too short", "Ab1!", false},
		{"exactly 11", "Abcdefgh12!", false},
		{"no uppercase", "abcdefgh123!", false},
		{"no lowercase", "ABCDEFGH123!", false},
		{"no digit", "Abcdefghijk!", false},
		{"no special", "Abcdefgh1234", false},
		{"empty", "", false},
		{"unicode", "Abcdefgh123!é", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePassword(tc.password)
			if got := err == nil; got != tc.wantOK {
				t.Errorf("ValidatePassword(%q) error=%v, want valid=%v", tc.password, err, tc.wantOK)
			}
		})
	}
}

func TestValidatePassword_CollectsAllMessages(t *testing.T) {
	err := ValidatePassword("abc")
	var pwErr *PasswordValidationError
	if !errors.As(err, &pwErr) {
		t.Fatalf("expected PasswordValidationError, got %T", err)
	}
	if len(pwErr.Messages) != 4 {
		t.Errorf("messages: %v", pwErr.Messages)
	}
	if !strings.Contains(err.Error(), "at least 12 characters") {
		t.Errorf("error text: %q", err.Error())
	}
}
