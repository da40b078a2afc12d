package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ineyio/chatgate"
)

var usageFlags struct {
	json bool
}

var usageCmd = &cobra.Command{
	Use:   "usage OWNER_ID",
	Short: "Print an owner's token usage for the current month",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsage,
}

func init() {
	rootCmd.AddCommand(usageCmd)

	usageCmd.Flags().BoolVar(&usageFlags.json, "json", false, "print the report as JSON")
}

func runUsage(cmd *cobra.Command, args []string) error {
	cfg, err := chatgate.LoadConfig(cfgFile)
	if err != nil {
		return err
	}

	b, err := openBackends(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	ac := chatgate.NewAdmissionController(b.ledger, b.subscriptions, cfg.ResolvedLimits(), nil, nil)
	report, err := ac.Report(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if usageFlags.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Printf("owner %s, plan %s, period %s\n", report.OwnerID, report.Plan, report.Period.Key())
	buckets := make([]string, 0, len(report.Buckets))
	for bkt := range report.Buckets {
		buckets = append(buckets, string(bkt))
	}
	sort.Strings(buckets)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BUCKET\tUSED\tLIMIT\tREMAINING")
	for _, name := range buckets {
		u := report.Buckets[chatgate.Bucket(name)]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", name, u.TokensUsed, u.Limit, u.Remaining)
	}
	return tw.Flush()
}
