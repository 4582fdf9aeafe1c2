package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/good-yellow-bee/alarmvault/internal/access"
	"github.com/good-yellow-bee/alarmvault/internal/models"
)

var (
	userUsername string
	userRole     string
)

// userCmd represents the user command group
var userCmd = &cobra.Command{
	Use:   "user",
	Short: "User management commands",
	Long: `Commands for managing AlarmVault accounts.

These commands operate directly on the database file and are intended
for system administrators.

Examples:
  # List all users
  vaultctl user list

  # Create an admin user
  vaultctl user create --username ops --role admin

  # Change a user's password
  vaultctl user passwd --username ops`,
}

// userListCmd lists all users
var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all users",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		userList, err := a.DB.Users().List(context.Background())
		if err != nil {
			return fmt.Errorf("list users: %w", err)
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), userList)
		}

		w := cmd.OutOrStdout()
		if len(userList) == 0 {
			fmt.Fprintln(w, "No users found.")
			return nil
		}
		fmt.Fprintf(w, "\n%-36s  %-20s  %-8s  %-8s  %s\n", "ID", "USERNAME", "ROLE", "DISABLED", "CREATED")
		fmt.Fprintln(w, strings.Repeat("-", 100))
		for _, u := range userList {
			fmt.Fprintf(w, "%-36s  %-20s  %-8s  %-8t  %s\n",
				u.ID, u.Username, u.Role, u.Disabled, u.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Fprintf(w, "\nTotal: %d user(s)\n", len(userList))
		return nil
	},
}

// userCreateCmd creates a new user
var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new user",
	Long: `Create a new user in the database.

The password is prompted interactively to keep it out of shell history.

Password requirements:
  - Minimum 12 characters
  - At least 1 uppercase letter (A-Z)
  - At least 1 lowercase letter (a-z)
  - At least 1 digit (0-9)
  - At least 1 special character (!@#$%^&*...)

Available roles: user, premium, admin, system

Example:
  vaultctl user create --username ops --role admin`,
	RunE: func(cmd *cobra.Command, args []string) error {
		role := models.Role(userRole)
		if !role.Valid() {
			return fmt.Errorf("invalid role %q", userRole)
		}

		password, err := readNewPassword(cmd, "Enter password: ", "Confirm password: ")
		if err != nil {
			return err
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		user, err := a.Access.CreateUser(context.Background(), userUsername, password, role)
		if err != nil {
			return fmt.Errorf("create user: %w", err)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "\nUser created successfully:\n")
		fmt.Fprintf(w, "  ID:       %s\n", user.ID)
		fmt.Fprintf(w, "  Username: %s\n", user.Username)
		fmt.Fprintf(w, "  Role:     %s\n", user.Role)
		return nil
	},
}

// userPasswdCmd changes a user's password
var userPasswdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change a user's password",
	Long: `Change the password for an existing user. Sessions held by a running
server are not affected; they expire with their TTL.

Example:
  vaultctl user passwd --username ops`,
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readNewPassword(cmd, "Enter new password: ", "Confirm new password: ")
		if err != nil {
			return err
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Access.ChangePassword(context.Background(), userUsername, password); err != nil {
			return fmt.Errorf("change password: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nPassword changed successfully for user '%s'.\n", userUsername)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userCreateCmd)
	userCmd.AddCommand(userPasswdCmd)

	userCreateCmd.Flags().StringVar(&userUsername, "username", "", "username for the new user (required)")
	userCreateCmd.Flags().StringVar(&userRole, "role", string(models.RoleUser), "role: user, premium, admin or system")
	userCreateCmd.MarkFlagRequired("username")

	userPasswdCmd.Flags().StringVar(&userUsername, "username", "", "username of the user to update (required)")
	userPasswdCmd.MarkFlagRequired("username")
}

// readNewPassword prompts twice and checks the policy before touching the
// database.
func readNewPassword(cmd *cobra.Command, prompt, confirm string) (string, error) {
	in := bufio.NewReader(cmd.InOrStdin())
	password, err := promptPassword(cmd, in, prompt)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	if err := access.ValidatePassword(password); err != nil {
		return "", fmt.Errorf("invalid password: %w", err)
	}
	again, err := promptPassword(cmd, in, confirm)
	if err != nil {
		return "", fmt.Errorf("read password confirmation: %w", err)
	}
	if password != again {
		return "", fmt.Errorf("passwords do not match")
	}
	return password, nil
}

// promptPassword prompts for a password without echoing to the terminal.
func promptPassword(cmd *cobra.Command, in *bufio.Reader, prompt string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), prompt)

	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		passwordBytes, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return string(passwordBytes), nil
	}

	// Fallback for non-terminal input (e.g., piped input)
	line, err := in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
