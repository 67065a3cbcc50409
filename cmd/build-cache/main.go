// Command build-cache builds an Identity Map file from a PLC export
// (spec.md §6's external collaborator: `build_cache <plc.jsonl> <out.bin>`).
//
// Grounded on the teacher's cmd/kv/main.go entrypoint shape
// (config/engine wiring then a single operation), replaced here with
// cobra (github.com/spf13/cobra, as used across the example pack's CLI
// surfaces) since this binary takes positional arguments rather than
// running a REPL.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sovereignhose/internal/exitcode"
	"sovereignhose/internal/identitymap"
	"sovereignhose/internal/model"
)

// plcEntry is the subset of a PLC directory export line this tool needs.
type plcEntry struct {
	DID        string `json:"did"`
	KeyType    string `json:"key_type"`
	PublicKey  []byte `json:"public_key"`
}

func main() {
	root := &cobra.Command{
		Use:   "build_cache <plc.jsonl> <out.bin>",
		Short: "Build an Identity Map file from a PLC directory export",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], args[1])
		},
	}
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "build_cache:", err)
		os.Exit(exitcode.Fatal)
	}
}

func run(inPath, outPath string) error {
	in, err := os.Open(inPath)
	if err != nil {
		return err
	}
	defer in.Close()

	entries, err := countLines(inPath)
	if err != nil {
		return err
	}
	capacity := uint64(float64(entries) / identitymap.LoadFactorLimit) + 1

	m, err := identitymap.Create(outPath, capacity)
	if err != nil {
		return err
	}
	defer m.Close()

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e plcEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		var kt model.KeyType
		switch e.KeyType {
		case "secp256k1":
			kt = model.KeyTypeSecp256k1
		case "p256":
			kt = model.KeyTypeP256
		default:
			continue
		}
		if err := m.Insert(e.DID, model.KeyRef{KeyType: kt, Key: e.PublicKey}); err != nil {
			fmt.Fprintln(os.Stderr, "build_cache: insert", e.DID, ":", err)
		}
	}
	return sc.Err()
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	n := 0
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}
