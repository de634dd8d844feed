package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/service"
)

// fullHashLen is the length of a hex SHA-256 key hash.
const fullHashLen = 64

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"keys"},
		Short:   "Manage temporary access keys",
		Long:    "Issue, list, revoke, validate, and sweep the temporary keys handed to external clients.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyValidateCmd())
	cmd.AddCommand(newKeySweepCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		client   string
		hours    string
		ttl      time.Duration
		maxUsage int
		ips      []string
		notes    string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new temporary key",
		Long:  "Generate a temporary key for a client. The raw key is shown once and cannot be retrieved again.",
		Example: `  keygate key create --client partner-a --hours 9-17 --ttl 2h --max-usage 100
  keygate key create --client ci --ip 10.0.0.0/8 --ip 192.168.1.5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			validHours, err := parseHours(hours)
			if err != nil {
				return err
			}
			return runKeyCreate(service.KeyRequest{
				ClientName:  client,
				ValidHours:  validHours,
				TTL:         ttl,
				MaxUsage:    maxUsage,
				IPWhitelist: ips,
				Notes:       notes,
			})
		},
	}

	cmd.Flags().StringVar(&client, "client", "", "Client the key is issued to (required)")
	cmd.Flags().StringVar(&hours, "hours", "", "Hours of the day the key works, e.g. 9-17 or 8,12,20 (default: all)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Key lifetime (default: keys.default_ttl)")
	cmd.Flags().IntVar(&maxUsage, "max-usage", 0, "Successful validations allowed (default: keys.default_max_usage)")
	cmd.Flags().StringSliceVar(&ips, "ip", nil, "Allowed address or CIDR network (repeatable)")
	cmd.Flags().StringVar(&notes, "notes", "", "Free-form notes")
	cmd.MarkFlagRequired("client")

	return cmd
}

func runKeyCreate(req service.KeyRequest) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	req.CreatedByAdmin = cliOperator
	issued, err := a.keys.GenerateTempKey(ctx, req)
	status := http.StatusCreated
	if err != nil {
		status = http.StatusBadRequest
	}
	a.record(ctx, "key/create", status)
	if err != nil {
		return fmt.Errorf("create key: %w", err)
	}

	k := issued.Key
	fmt.Println("Temporary key created:")
	fmt.Println()
	fmt.Printf("  Key:       %s\n", issued.Secret)
	fmt.Printf("  Client:    %s\n", k.ClientName)
	fmt.Printf("  Hash:      %s\n", k.KeyPrefix)
	fmt.Printf("  Expires:   %s\n", k.ExpiresAt.In(a.keys.Location()).Format(time.RFC3339))
	fmt.Printf("  Max usage: %d\n", k.MaxUsage)
	fmt.Printf("  Hours:     %s\n", formatHours(k.ValidHours))
	if len(k.IPWhitelist) > 0 {
		fmt.Printf("  Allowed:   %s\n", strings.Join(k.IPWhitelist, ", "))
	}
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		status     string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List temporary keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(model.KeyStatus(status), jsonOutput)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only list keys in this status: active, expired, or revoked")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyList(status model.KeyStatus, jsonOutput bool) error {
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}

	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	keys, err := a.keys.ListTempKeys(context.Background(), status)
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(keys)
	}

	if len(keys) == 0 {
		fmt.Println("No temporary keys found. Use 'keygate key create' to issue one.")
		return nil
	}

	fmt.Printf("%-18s %-20s %-8s %-11s %-20s %s\n", "HASH", "CLIENT", "STATUS", "USAGE", "EXPIRES", "HOURS")
	fmt.Printf("%-18s %-20s %-8s %-11s %-20s %s\n", "----", "------", "------", "-----", "-------", "-----")
	for _, k := range keys {
		fmt.Printf("%-18s %-20s %-8s %-11s %-20s %s\n",
			k.KeyPrefix,
			k.ClientName,
			k.Status,
			fmt.Sprintf("%d/%d", k.UsageCount, k.MaxUsage),
			k.ExpiresAt.In(a.keys.Location()).Format(time.DateTime),
			formatHours(k.ValidHours),
		)
	}

	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <hash-or-prefix>",
		Short: "Revoke a temporary key",
		Long:  "Revoke a key by its full hash or by the hash prefix shown in 'keygate key list'. Revocation is permanent.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(strings.TrimSpace(args[0]))
		},
	}
}

func runKeyRevoke(ref string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	var found bool
	if len(ref) == fullHashLen {
		found, err = a.keys.RevokeTempKey(ctx, ref)
	} else {
		found, err = a.keys.RevokeTempKeyByPrefix(ctx, ref)
	}
	status := http.StatusOK
	switch {
	case err != nil && (errors.Is(err, service.ErrAmbiguousPrefix) || errors.Is(err, service.ErrInvalidKeyRequest)):
		status = http.StatusBadRequest
	case err != nil:
		status = http.StatusInternalServerError
	case !found:
		status = http.StatusNotFound
	}
	a.record(ctx, "key/revoke", status)
	if err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	if !found {
		return fmt.Errorf("no temporary key found matching %q", ref)
	}

	fmt.Printf("Revoked temporary key %q\n", ref)
	return nil
}

// ---------- key validate ----------

func newKeyValidateCmd() *cobra.Command {
	var ip string

	cmd := &cobra.Command{
		Use:   "validate <key>",
		Short: "Validate a temporary key",
		Long: `Run the full validation a client request would get. A successful
validation consumes one use of the key's quota.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyValidate(args[0], ip)
		},
	}

	cmd.Flags().StringVar(&ip, "ip", "", "Client address to check against the key's whitelist")

	return cmd
}

func runKeyValidate(raw, ip string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	v, err := a.keys.ValidateTempKey(ctx, raw, ip)

	entry := model.AccessLogEntry{
		UserType:   model.UserClient,
		Identifier: cliOperator,
		Endpoint:   "cli/key/validate",
		Method:     "CLI",
		StatusCode: http.StatusOK,
		IPAddress:  ip,
	}
	var kerr *service.KeyError
	switch {
	case err == nil:
		entry.Identifier = v.ClientName
	case errors.As(err, &kerr):
		entry.StatusCode = http.StatusUnauthorized
		if kerr.ClientName != "" {
			entry.Identifier = kerr.ClientName
		}
	default:
		entry.StatusCode = http.StatusInternalServerError
	}
	a.auditor.LogAccess(ctx, entry)

	if err != nil {
		return fmt.Errorf("key rejected (%s): %w", service.ReasonCode(err), err)
	}

	fmt.Println("Key accepted:")
	fmt.Printf("  Client:  %s\n", v.ClientName)
	fmt.Printf("  Usage:   %d/%d\n", v.UsageCount, v.MaxUsage)
	fmt.Printf("  Expires: %s\n", v.ExpiresAt.In(a.keys.Location()).Format(time.RFC3339))
	return nil
}

// ---------- key sweep ----------

func newKeySweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Mark every overdue active key as expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			n, err := a.keys.CleanupExpiredKeys(ctx)
			status := http.StatusOK
			if err != nil {
				status = http.StatusInternalServerError
			}
			a.record(ctx, "key/sweep", status)
			if err != nil {
				return fmt.Errorf("sweep keys: %w", err)
			}
			fmt.Printf("Expired %d key(s)\n", n)
			return nil
		},
	}
}

// parseHours parses a list of hours and inclusive ranges such as
// "9-12,14,16-17". An empty string means every hour.
func parseHours(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	seen := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		from, err := parseHour(lo)
		if err != nil {
			return nil, err
		}
		to := from
		if isRange {
			if to, err = parseHour(hi); err != nil {
				return nil, err
			}
			if to < from {
				return nil, fmt.Errorf("invalid hour range %q", part)
			}
		}
		for h := from; h <= to; h++ {
			seen[h] = true
		}
	}
	hours := make([]int, 0, len(seen))
	for h := range seen {
		hours = append(hours, h)
	}
	sort.Ints(hours)
	return hours, nil
}

func parseHour(s string) (int, error) {
	h, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour %q (want 0-23)", s)
	}
	return h, nil
}

// formatHours renders valid hours for display. Empty means every hour.
func formatHours(hours []int) string {
	if len(hours) == 0 || len(hours) == 24 {
		return "all"
	}
	parts := make([]string, len(hours))
	for i, h := range hours {
		parts[i] = strconv.Itoa(h)
	}
	return strings.Join(parts, ",")
}
