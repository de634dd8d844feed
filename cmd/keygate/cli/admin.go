package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/service"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage administrator accounts",
		Long:  "Create and list the administrator accounts that log in to the keygate API.",
	}

	cmd.AddCommand(newAdminCreateCmd())
	cmd.AddCommand(newAdminListCmd())

	return cmd
}

// ---------- admin create ----------

func newAdminCreateCmd() *cobra.Command {
	var (
		username string
		password string
		role     string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new administrator account",
		Example: `  keygate admin create --username root --role super_admin
  keygate admin create --username bob --role team_member --password s3cret-pass`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminCreate(username, password, role)
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Login name (required)")
	cmd.Flags().StringVar(&password, "password", "", "Password (prompted if omitted)")
	cmd.Flags().StringVar(&role, "role", string(model.RoleObserver), "Role: super_admin, team_member, or observer")
	cmd.MarkFlagRequired("username")

	return cmd
}

func runAdminCreate(username, password, roleName string) error {
	role, ok := model.ParseRole(roleName)
	if !ok {
		return fmt.Errorf("unknown role %q", roleName)
	}

	// Prompt for password if not provided
	if password == "" {
		fmt.Print("Password: ")
		pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Println()
		password = string(pwBytes)

		fmt.Print("Confirm password: ")
		confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		fmt.Println()

		if password != string(confirmBytes) {
			return fmt.Errorf("passwords do not match")
		}
	}

	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}

	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	acc, err := a.admins.CreateAdmin(ctx, strings.TrimSpace(username), password, role, cliOperator)
	status := http.StatusCreated
	if err != nil {
		status = http.StatusBadRequest
		if errors.Is(err, service.ErrDuplicateUsername) {
			status = http.StatusConflict
		}
	}
	a.record(ctx, "admin/create", status)
	if err != nil {
		return fmt.Errorf("create admin: %w", err)
	}

	fmt.Printf("Created %s %q\n", acc.Role.DisplayName(), acc.Username)
	fmt.Printf("  Permissions: %s\n", joinPermissions(acc.Permissions))
	return nil
}

// ---------- admin list ----------

func newAdminListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all administrator accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runAdminList(jsonOutput bool) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	admins, err := a.admins.ListAdmins(context.Background())
	if err != nil {
		return fmt.Errorf("list admins: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(admins)
	}

	if len(admins) == 0 {
		fmt.Println("No admin accounts configured. Use 'keygate admin create' to create one.")
		return nil
	}

	fmt.Printf("%-20s %-14s %-8s %-20s\n", "USERNAME", "ROLE", "ACTIVE", "LAST LOGIN")
	fmt.Printf("%-20s %-14s %-8s %-20s\n", "--------", "----", "------", "----------")
	for _, acc := range admins {
		last := "never"
		if acc.LastLogin != nil {
			last = acc.LastLogin.Local().Format(time.DateTime)
		}
		fmt.Printf("%-20s %-14s %-8s %-20s\n", acc.Username, acc.Role, yesNo(acc.IsActive), last)
	}

	return nil
}

func joinPermissions(perms []model.Permission) string {
	names := make([]string, len(perms))
	for i, p := range perms {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}
