// Command live-firehose checks an Identity Map cache for the target DID
// and prints decoded, verified events for that DID as they arrive on an
// already-running archive's egress relay (spec.md §6:
// `live_firehose <cache.bin> [target_did]`).
package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"sovereignhose/internal/egress"
	"sovereignhose/internal/exitcode"
	"sovereignhose/internal/identitymap"
	"sovereignhose/internal/model"
)

func main() {
	var addr string
	var fromSeq uint64
	root := &cobra.Command{
		Use:   "live_firehose <cache.bin> [target_did]",
		Short: "Tail a running archive's egress relay, filtered to one DID",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := ""
			if len(args) == 2 {
				target = args[1]
			}
			return run(addr, args[0], target, fromSeq)
		},
	}
	root.Flags().StringVar(&addr, "addr", "ws://127.0.0.1:8080/subscribe", "egress relay websocket URL")
	root.Flags().Uint64Var(&fromSeq, "from-seq", 0, "replay archived history from this seq before streaming live (0 = live only)")
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "live_firehose:", err)
		os.Exit(exitcode.Fatal)
	}
}

func run(addr, cachePath, targetDID string, fromSeq uint64) error {
	info, err := os.Stat(cachePath)
	if err != nil {
		return fmt.Errorf("open identity cache: %w", err)
	}
	capacity := uint64((info.Size() - identitymap.HeaderSize) / model.IdentityRecordSize)
	m, err := identitymap.Open(cachePath, capacity)
	if err != nil {
		return fmt.Errorf("open identity cache: %w", err)
	}
	defer m.Close()

	if targetDID != "" {
		if _, err := m.Lookup(targetDID); err != nil {
			fmt.Fprintf(os.Stderr, "live_firehose: warning: %s not found in local cache yet\n", targetDID)
		}
	}

	u, err := url.Parse(addr)
	if err != nil {
		return err
	}
	if fromSeq > 0 {
		q := u.Query()
		q.Set("from_seq", strconv.FormatUint(fromSeq, 10))
		u.RawQuery = q.Encode()
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))

	for {
		var frame egress.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		if targetDID != "" && frame.DID != targetDID {
			continue
		}
		out, _ := json.Marshal(frame)
		fmt.Println(string(out))
	}
}
