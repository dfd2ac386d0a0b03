package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tanodlink/crimeledger/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	cfgFile   string
	timeout   time.Duration
	format    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "crimectl",
	Short: "Crime ledger CLI",
	Long: `crimectl talks to a crimeledger server.

It submits reports, reads anchored ledger entries, lists stored reports and
checks that the store and the ledger still agree on a report's fingerprint.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.crimectl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("CRIMECTL")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:3000"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.crimectl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "crimeledger server URL (default http://localhost:3000)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "Per-request timeout")
	rootCmd.PersistentFlags().StringVar(&format, "format", "text", "Output format: text or json")

	rootCmd.AddCommand(reportCmd, getCmd, listCmd, verifyCmd, reanchorCmd, versionCmd)
}

func newClient() (*client.Client, error) {
	return client.New(serverURL, client.WithTimeout(timeout))
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, len(args))
	for i, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id < 1 {
			return nil, fmt.Errorf("invalid report id %q", a)
		}
		ids[i] = id
	}
	return ids, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── report ───────────────────────────────────────────────────────────────────

var (
	reportDescription string
	reportSubmitter   string
	reportStatus      string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Submit a crime report",
	Long: `Submit stores the report and anchors its fingerprint on the ledger.

A report that was stored but could not be anchored yet is reported as
anchor_pending; the server retries the anchor in the background.

  crimectl report --description "bike stolen outside the library" --submitter anon-17`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.SubmitReport(cmd.Context(), client.SubmitRequest{
			Description:    reportDescription,
			SubmitterLabel: reportSubmitter,
			Status:         reportStatus,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if format == "json" {
			return printJSON(out, res)
		}
		fmt.Fprintf(out, "ID:          %d\n", res.ID)
		fmt.Fprintf(out, "State:       %s\n", res.State)
		fmt.Fprintf(out, "Fingerprint: %s\n", res.Fingerprint)
		fmt.Fprintf(out, "Timestamp:   %s\n", res.Timestamp)
		if res.Error != "" {
			fmt.Fprintf(out, "Ledger:      %s\n", res.Error)
		}
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportDescription, "description", "", "What happened (required)")
	reportCmd.Flags().StringVar(&reportSubmitter, "submitter", "", "Pseudonymous submitter label (required)")
	reportCmd.Flags().StringVar(&reportStatus, "status", "", "Initial status (default unread)")
	_ = reportCmd.MarkFlagRequired("description")
	_ = reportCmd.MarkFlagRequired("submitter")
}

// ── get ──────────────────────────────────────────────────────────────────────

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Read a report's anchor from the ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		rec, err := c.GetCrime(cmd.Context(), ids[0])
		if errors.Is(err, client.ErrNotFound) {
			return fmt.Errorf("report %d has no ledger entry", ids[0])
		}
		if err != nil {
			return err
		}
		entry, err := rec.Entry()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if format == "json" {
			return printJSON(out, entry)
		}
		fmt.Fprintf(out, "ID:          %s\n", entry.ID)
		fmt.Fprintf(out, "Description: %s\n", entry.Description)
		fmt.Fprintf(out, "Timestamp:   %s\n", entry.Timestamp)
		fmt.Fprintf(out, "Status:      %s\n", entry.Status)
		fmt.Fprintf(out, "Hash:        %s\n", entry.Hash)
		fmt.Fprintf(out, "Submitter:   %s\n", entry.SubmitterLabel)
		if rec.Message != "" {
			fmt.Fprintf(out, "\n%s\n", rec.Message)
		}
		return nil
	},
}

// ── list ─────────────────────────────────────────────────────────────────────

var (
	listStatus string
	listLimit  int
	listOffset int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored reports, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		reports, err := c.ListReports(cmd.Context(), listStatus, listLimit, listOffset)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if format == "json" {
			return printJSON(out, reports)
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tANCHORED\tSUBMITTER\tDESCRIPTION")
		for _, r := range reports {
			fmt.Fprintf(tw, "%d\t%s\t%t\t%s\t%s\n", r.ID, r.Status, r.Anchored, r.Name, truncate(r.Description, 48))
		}
		return tw.Flush()
	},
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "Only reports with this status")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum number of reports")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "Number of reports to skip")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// ── verify ───────────────────────────────────────────────────────────────────

// verifyRow holds the outcome of a single verification.
type verifyRow struct {
	id     int64
	result *client.Verification
	err    error
}

var verifyCmd = &cobra.Command{
	Use:   "verify <id> [id] ...",
	Short: "Check that store and ledger agree on one or more reports",
	Long: `Verify recomputes each report's fingerprint from the store and from the
ledger and compares both with the recorded hashes.

Several ids are checked concurrently and shown as a table. The command exits
non-zero when any report is not a match.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		rows := verifyAll(cmd.Context(), c, ids)

		out := cmd.OutOrStdout()
		if format == "json" {
			err = printVerifyJSON(out, rows)
		} else {
			err = printVerifyText(out, rows)
		}
		if err != nil {
			return err
		}
		for _, r := range rows {
			if r.err != nil || r.result.Result != "match" {
				return errors.New("one or more reports failed verification")
			}
		}
		return nil
	},
}

// verifyAll checks ids concurrently and returns rows in input order.
func verifyAll(ctx context.Context, c *client.Client, ids []int64) []verifyRow {
	if ctx == nil {
		ctx = context.Background()
	}
	resultsCh := make(chan verifyRow, len(ids))
	for _, id := range ids {
		go func() {
			v, err := c.Verify(ctx, id)
			resultsCh <- verifyRow{id: id, result: v, err: err}
		}()
	}

	byID := make(map[int64]verifyRow, len(ids))
	for range ids {
		r := <-resultsCh
		byID[r.id] = r
	}
	ordered := make([]verifyRow, len(ids))
	for i, id := range ids {
		ordered[i] = byID[id]
	}
	return ordered
}

func printVerifyJSON(w io.Writer, rows []verifyRow) error {
	type jsonRow struct {
		ID      int64    `json:"id"`
		Result  string   `json:"result,omitempty"`
		Reasons []string `json:"reasons,omitempty"`
		Error   string   `json:"error,omitempty"`
	}
	out := make([]jsonRow, len(rows))
	for i, r := range rows {
		if r.err != nil {
			out[i] = jsonRow{ID: r.id, Error: r.err.Error()}
			continue
		}
		out[i] = jsonRow{ID: r.id, Result: r.result.Result, Reasons: r.result.Reasons}
	}
	var v any = out
	if len(out) == 1 {
		v = out[0]
	}
	return printJSON(w, v)
}

func printVerifyText(w io.Writer, rows []verifyRow) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRESULT\tDETAIL")
	for _, r := range rows {
		if r.err != nil {
			fmt.Fprintf(tw, "%d\t%s\t%s\n", r.id, "error", r.err)
			continue
		}
		detail := "-"
		if len(r.result.Reasons) > 0 {
			detail = r.result.Reasons[0]
			if n := len(r.result.Reasons); n > 1 {
				detail += fmt.Sprintf(" (+%d more)", n-1)
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", r.id, r.result.Result, detail)
	}
	return tw.Flush()
}

// ── reanchor ─────────────────────────────────────────────────────────────────

var reanchorCmd = &cobra.Command{
	Use:   "reanchor <id>",
	Short: "Retry anchoring a report whose ledger write is still pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.Reanchor(cmd.Context(), ids[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if format == "json" {
			return printJSON(out, res)
		}
		state := "unknown"
		if res.Report != nil {
			state = res.Report.AnchorState
		}
		fmt.Fprintf(out, "Report %d: %s\n", ids[0], state)
		if res.Error != "" {
			fmt.Fprintf(out, "Error: %s\n", res.Error)
		}
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "crimectl %s\n", version)
	},
}
