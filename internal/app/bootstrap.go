package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
)

// EnsureAdmin creates the configured admin account when no users exist.
// Without ALARMVAULT_ADMIN_PASSWORD a random password is generated and
// printed once.
func (a *App) EnsureAdmin(ctx context.Context) error {
	password := a.cfg.Secrets.AdminPassword
	generated := password == ""
	if generated {
		var err error
		if password, err = generatePassword(); err != nil {
			return err
		}
	}

	created, err := a.Access.Bootstrap(ctx, a.cfg.Security.AdminUsername, password)
	if err != nil {
		return fmt.Errorf("ensure admin user: %w", err)
	}
	if !created {
		return nil
	}
	log.Printf("app: created admin user %q", a.cfg.Security.AdminUsername)

	if generated {
		fmt.Printf("\n")
		fmt.Printf("===========================================\n")
		fmt.Printf("  DEFAULT ADMIN USER CREATED\n")
		fmt.Printf("  Username: %s\n", a.cfg.Security.AdminUsername)
		fmt.Printf("  Password: %s\n", password)
		fmt.Printf("  CHANGE THIS PASSWORD IMMEDIATELY!\n")
		fmt.Printf("===========================================\n")
		fmt.Printf("\n")
	}
	return nil
}

// generatePassword returns 24 random characters followed by one of each
// required character class.
func generatePassword() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b) + "Aa1!", nil
}
