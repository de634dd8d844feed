package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/keygatehq/keygate/internal/service"
)

func newLogsCmd() *cobra.Command {
	var (
		limit         int
		includeHidden bool
		jsonOutput    bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the access log",
		Long:  "Show recent access log entries, newest first. Hidden-mode entries are excluded unless --include-hidden is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogs(limit, includeHidden, jsonOutput)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", service.DefaultLogLimit, "Maximum number of entries")
	cmd.Flags().BoolVar(&includeHidden, "include-hidden", false, "Include hidden-mode entries")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runLogs(limit int, includeHidden, jsonOutput bool) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.auditor.GetAccessLogs(context.Background(), limit, includeHidden)
	if err != nil {
		return fmt.Errorf("read access log: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Println("The access log is empty.")
		return nil
	}

	fmt.Printf("%-20s %-7s %-20s %-7s %-28s %-4s %s\n", "TIME", "TYPE", "IDENTIFIER", "METHOD", "ENDPOINT", "CODE", "IP")
	for _, e := range entries {
		typ := string(e.UserType)
		if e.HiddenMode {
			typ += "*"
		}
		fmt.Printf("%-20s %-7s %-20s %-7s %-28s %-4d %s\n",
			e.Timestamp.Local().Format(time.DateTime),
			typ,
			e.Identifier,
			e.Method,
			e.Endpoint,
			e.StatusCode,
			e.IPAddress,
		)
	}
	return nil
}
