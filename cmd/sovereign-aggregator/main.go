// Command sovereign-aggregator discovers reachable upstream firehose
// sources and writes them out for cmd/archived's ingestion supervisor
// to consume (spec.md §6: `sovereign_aggregator discover <out>`).
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"sovereignhose/internal/exitcode"
	"sovereignhose/internal/ingest"
)

func main() {
	var candidatesPath string
	root := &cobra.Command{Use: "sovereign_aggregator"}

	discover := &cobra.Command{
		Use:   "discover <out>",
		Short: "Probe candidate hosts and write reachable sources to out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(candidatesPath, args[0])
		},
	}
	discover.Flags().StringVar(&candidatesPath, "candidates", "candidates.json", "JSON array of candidate source URLs to probe")
	root.AddCommand(discover)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sovereign_aggregator:", err)
		os.Exit(exitcode.Fatal)
	}
}

func runDiscover(candidatesPath, outPath string) error {
	raw, err := os.ReadFile(candidatesPath)
	if err != nil {
		return err
	}
	var candidates []string
	if err := json.Unmarshal(raw, &candidates); err != nil {
		return fmt.Errorf("parse candidates: %w", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	var reachable []ingest.Source
	for _, c := range candidates {
		resp, err := client.Get(c + "/health")
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			continue
		}
		reachable = append(reachable, ingest.Source{Name: c, URL: c, Host: c})
	}

	out, err := json.MarshalIndent(reachable, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, out, 0644)
}
