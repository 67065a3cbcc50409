// Command bench-egress load-tests a running egress relay by opening N
// concurrent subscriber connections and measuring frame throughput
// (spec.md §6: `bench_egress`).
package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"sovereignhose/internal/egress"
	"sovereignhose/internal/exitcode"
)

func main() {
	var addr string
	var conns int
	var duration time.Duration
	var fromSeq uint64

	root := &cobra.Command{
		Use:   "bench_egress",
		Short: "Load-test the egress relay with concurrent subscribers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(addr, conns, duration, fromSeq)
		},
	}
	root.Flags().StringVar(&addr, "addr", "ws://127.0.0.1:8080/subscribe", "egress relay websocket URL")
	root.Flags().IntVar(&conns, "connections", 100, "number of concurrent subscriber connections")
	root.Flags().DurationVar(&duration, "duration", 10*time.Second, "benchmark run duration")
	root.Flags().Uint64Var(&fromSeq, "from-seq", 0, "exercise the historical replay path from this seq instead of live-only (0 = live only)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "bench_egress:", err)
		os.Exit(exitcode.Fatal)
	}
}

func run(addr string, conns int, duration time.Duration, fromSeq uint64) error {
	var frames int64
	var errs int64
	done := make(chan struct{})

	dialAddr := addr
	if fromSeq > 0 {
		if u, err := url.Parse(addr); err == nil {
			q := u.Query()
			q.Set("from_seq", strconv.FormatUint(fromSeq, 10))
			u.RawQuery = q.Encode()
			dialAddr = u.String()
		}
	}

	for i := 0; i < conns; i++ {
		go func() {
			conn, _, err := websocket.DefaultDialer.Dial(dialAddr, nil)
			if err != nil {
				atomic.AddInt64(&errs, 1)
				return
			}
			defer conn.Close()
			for {
				select {
				case <-done:
					return
				default:
				}
				var frame egress.Frame
				if err := conn.ReadJSON(&frame); err != nil {
					atomic.AddInt64(&errs, 1)
					return
				}
				atomic.AddInt64(&frames, 1)
			}
		}()
	}

	time.Sleep(duration)
	close(done)

	fmt.Printf("connections=%d duration=%s frames=%d errors=%d frames/sec=%.1f\n",
		conns, duration, atomic.LoadInt64(&frames), atomic.LoadInt64(&errs),
		float64(atomic.LoadInt64(&frames))/duration.Seconds())
	return nil
}
