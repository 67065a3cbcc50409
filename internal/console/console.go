package console

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// Backend is the subset of daemon state the admin console can inspect
// and mutate. Implemented by cmd/archived's top-level daemon struct.
type Backend interface {
	Stats() string
	LookupDID(did string) (string, bool)
	Tombstone(seq uint32) bool
	TombstoneStatus(seq uint32) bool
	SealedSegments(shard int) (int, error)
	DeletePath(path string) bool
}

// Run drives the admin REPL against backend until EXIT/QUIT or r is
// exhausted, following the teacher's cmd/kv/main.go loop shape:
// read a line, parse CMD(args), dispatch, print a result or error.
func Run(r io.Reader, w io.Writer, backend Backend) {
	fmt.Fprint(w, `Sovereign Firehose Archive console.
Commands:
  STATS()
  LOOKUP(did)
  TOMBSTONE(seq)
  TOMBSTONED(seq)
  SEGMENTS(shard)
  DELETE(path)
  EXIT
`)

	sc := bufio.NewScanner(r)
	for {
		fmt.Fprint(w, "> ")
		if !sc.Scan() {
			break
		}
		line := sc.Text()
		if line == "" {
			continue
		}

		cmd, args, ok, errMsg := parseCall(line)
		if !ok {
			if errMsg != "" {
				fmt.Fprintln(w, "parse error:", errMsg)
			}
			continue
		}

		switch cmd {
		case "EXIT", "QUIT":
			return

		case "STATS":
			fmt.Fprintln(w, backend.Stats())

		case "LOOKUP":
			if len(args) != 1 {
				fmt.Fprintln(w, "usage: LOOKUP(did)")
				continue
			}
			keyDesc, found := backend.LookupDID(args[0])
			if !found {
				fmt.Fprintln(w, "(not found)")
				continue
			}
			fmt.Fprintln(w, keyDesc)

		case "TOMBSTONE":
			if len(args) != 1 {
				fmt.Fprintln(w, "usage: TOMBSTONE(seq)")
				continue
			}
			seq, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				fmt.Fprintln(w, "invalid seq:", err)
				continue
			}
			backend.Tombstone(uint32(seq))
			fmt.Fprintln(w, "OK")

		case "TOMBSTONED":
			if len(args) != 1 {
				fmt.Fprintln(w, "usage: TOMBSTONED(seq)")
				continue
			}
			seq, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				fmt.Fprintln(w, "invalid seq:", err)
				continue
			}
			fmt.Fprintln(w, backend.TombstoneStatus(uint32(seq)))

		case "DELETE":
			if len(args) != 1 {
				fmt.Fprintln(w, "usage: DELETE(path)")
				continue
			}
			if backend.DeletePath(args[0]) {
				fmt.Fprintln(w, "OK")
			} else {
				fmt.Fprintln(w, "(not found)")
			}

		case "SEGMENTS":
			if len(args) != 1 {
				fmt.Fprintln(w, "usage: SEGMENTS(shard)")
				continue
			}
			shard, err := strconv.Atoi(args[0])
			if err != nil {
				fmt.Fprintln(w, "invalid shard:", err)
				continue
			}
			n, err := backend.SealedSegments(shard)
			if err != nil {
				fmt.Fprintln(w, "error:", err)
				continue
			}
			fmt.Fprintln(w, n)

		default:
			fmt.Fprintln(w, "unknown command")
		}
	}
}
