package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/good-yellow-bee/alarmvault/internal/app"
	"github.com/good-yellow-bee/alarmvault/internal/models"
	"github.com/good-yellow-bee/alarmvault/pkg/config"
)

const (
	testMasterKey  = "vaultctl-test-master-key"
	testPassword   = "Correct-Horse-42"
	testPassphrase = "export-passphrase-1"
)

// seedDatabase creates a database holding one alarm record and returns its path.
func seedDatabase(t *testing.T) string {
	t.Helper()
	t.Setenv("ALARMVAULT_MASTER_KEY", testMasterKey)

	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "vault.db")
	cfg.Secrets.MasterKey = testMasterKey
	a, err := app.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	rec := &models.AlarmRecord{ID: "r1", OwnerID: "u1", Label: "wake", Hour: 7, Minute: 30, Enabled: true}
	if _, err := a.Store.Store(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	return cfg.Database.Path
}

// run executes vaultctl with args. Flags keep their values between runs,
// so callers pass --db and -o every time.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "", "version", "-o", "json")
	if err != nil {
		t.Fatal(err)
	}
	var info config.BuildInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if info.Version != config.Version {
		t.Errorf("version = %q", info.Version)
	}
}

func TestUserCreateAndList(t *testing.T) {
	db := seedDatabase(t)

	stdin := testPassword + "\n" + testPassword + "\n"
	out, err := run(t, stdin, "user", "create", "--db", db, "-o", "table", "--username", "ops", "--role", "admin")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.Contains(out, "User created successfully") {
		t.Errorf("create output: %q", out)
	}

	out, err = run(t, "", "user", "list", "--db", db, "-o", "json")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var users []models.User
	if err := json.Unmarshal([]byte(out), &users); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(users) != 1 || users[0].Username != "ops" || users[0].Role != models.RoleAdmin {
		t.Errorf("users = %+v", users)
	}

	// Duplicate usernames are rejected.
	if _, err := run(t, stdin, "user", "create", "--db", db, "-o", "table", "--username", "ops", "--role", "user"); err == nil {
		t.Error("expected duplicate username error")
	}
}

func TestUserCreate_PasswordErrors(t *testing.T) {
	db := seedDatabase(t)
	tests := []struct {
		name  string
		stdin string
		want  string
	}{
		{"weak", "short\nshort\n", "invalid password"},
		{"mismatch", testPassword + "\nOther-Horse-43\n", "do not match"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.stdin, "user", "create", "--db", db, "-o", "table", "--username", "eve", "--role", "user")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("got %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestBackupRunListVerify(t *testing.T) {
	db := seedDatabase(t)

	out, err := run(t, "", "backup", "run", "--db", db, "-o", "json")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var summary struct {
		Snapshots  int            `json:"snapshots"`
		ByLocation map[string]int `json:"by_location"`
	}
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if summary.Snapshots != 2 || summary.ByLocation["sqlite"] != 1 || summary.ByLocation["file"] != 1 {
		t.Errorf("summary = %+v", summary)
	}

	out, err = run(t, "", "backup", "list", "--db", db, "-o", "json", "--record", "r1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var snaps []models.BackupSnapshot
	if err := json.Unmarshal([]byte(out), &snaps); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(snaps) != 2 {
		t.Errorf("snapshots = %d, want 2", len(snaps))
	}

	out, err = run(t, "", "backup", "verify", "--db", db, "-o", "table", "--record", "r1")
	if err != nil {
		t.Fatalf("verify: %v\n%s", err, out)
	}
	if strings.Count(out, "ok") != 2 {
		t.Errorf("verify output: %q", out)
	}

	if _, err := run(t, "", "backup", "verify", "--db", db, "-o", "table", "--record", "missing"); err == nil {
		t.Error("expected error for record without snapshots")
	}
}

func TestBackupExportAndDecrypt(t *testing.T) {
	db := seedDatabase(t)
	if _, err := run(t, "", "backup", "run", "--db", db, "-o", "table"); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	stdin := testPassphrase + "\n" + testPassphrase + "\n"
	out, err := run(t, stdin, "backup", "export", "--db", db, "-o", "table", "--out", filepath.Join(dir, "alarms.json"))
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, "Exported 1 record(s)") {
		t.Errorf("export output: %q", out)
	}
	encrypted := filepath.Join(dir, "alarms.json.enc")
	raw, err := os.ReadFile(encrypted)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("wake")) {
		t.Error("export file contains plaintext")
	}

	plain := filepath.Join(dir, "plain.json")
	if _, err := run(t, testPassphrase+"\n", "backup", "decrypt", "--db", db, "-o", "table", "--in", encrypted, "--out", plain); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	data, err := os.ReadFile(plain)
	if err != nil {
		t.Fatal(err)
	}
	var records []models.AlarmRecord
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Label != "wake" {
		t.Errorf("records = %+v", records)
	}

	if _, err := run(t, "wrong-passphrase\n", "backup", "decrypt", "--db", db, "-o", "table", "--in", encrypted, "--out", plain); err == nil {
		t.Error("expected error for wrong passphrase")
	}
}

func TestIntegrityCheck(t *testing.T) {
	db := seedDatabase(t)

	out, err := run(t, "", "integrity", "check", "--db", db, "-o", "json")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	var report struct {
		Checked  int `json:"checked"`
		Tampered int `json:"tampered"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if report.Checked != 1 || report.Tampered != 0 {
		t.Errorf("report = %+v", report)
	}

	out, err = run(t, "", "integrity", "recover", "--db", db, "-o", "table", "--record", "r1")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !strings.Contains(out, "intact") {
		t.Errorf("recover output: %q", out)
	}
}

func TestReport(t *testing.T) {
	db := seedDatabase(t)

	out, err := run(t, "", "report", "--db", db, "-o", "json", "--since", "1h", "--types", "record_stored")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	var report struct {
		TotalEvents int            `json:"total_events"`
		ByType      map[string]int `json:"by_type"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if report.TotalEvents != 1 || report.ByType["record_stored"] != 1 {
		t.Errorf("report = %+v", report)
	}

	out, err = run(t, "", "alerts", "--db", db, "-o", "table")
	if err != nil {
		t.Fatalf("alerts: %v", err)
	}
	if !strings.Contains(out, "No alerts found.") {
		t.Errorf("alerts output: %q", out)
	}
}

func TestOpenApp_MissingDatabase(t *testing.T) {
	t.Setenv("ALARMVAULT_MASTER_KEY", testMasterKey)
	_, err := run(t, "", "backup", "status", "--db", filepath.Join(t.TempDir(), "nope.db"), "-o", "table")
	if err == nil || !strings.Contains(err.Error(), "database file not found") {
		t.Errorf("got %v", err)
	}
}
