// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides an interactive REPL (Read-Eval-Print Loop) for the
// lock-free multi-map.
//
// # Usage
//
// Start the REPL:
//
//	go run ./cmd/repl --hasher xxhash
//
// Available commands:
//
//	get <key>           - Most recent value for key
//	all <key>           - Every value for key, oldest first
//	put <key> <value>   - Replace every value for key with value
//	add <key> <value>   - Add value to key, keeping existing values
//	del <key>           - Remove every value for key
//	len                 - Number of entries and distinct keys
//	stats               - Metrics as JSON
//	save <file>         - Write every entry to file
//	load <file>         - Add every entry from file
//	quit, exit          - Exit the REPL
//
// Example session:
//
//	> put user:1 alice
//	OK
//	> add user:1 bob
//	OK
//	> get user:1
//	Value: bob
//	> all user:1
//	Values: [alice bob]
//	> del user:1
//	Deleted 2
//	> quit
//	Goodbye!
//
// # Dangers and Warnings
//
//   - **Data Persistence**: The map is in memory. Use save before quitting.
//   - **Values**: Values are single words; the rest of the line is ignored.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/urfave/cli/v2"

	"github.com/kianostad/lfmap"
	core "github.com/kianostad/lfmap/internal/core"
)

type REPL struct {
	m      *lfmap.Map[string, string]
	ledger *lfmap.Ledger[string, string]
	out    io.Writer
}

func NewREPL(m *lfmap.Map[string, string], out io.Writer) *REPL {
	return &REPL{
		m:      m,
		ledger: m.NewLedger(),
		out:    out,
	}
}

// Run reads commands from in until EOF or quit.
func (r *REPL) Run(in io.Reader) {
	fmt.Fprintln(r.out, "Lock-Free Multi-Map REPL")
	fmt.Fprintln(r.out, "Commands: get, all, put, add, del, len, stats, save, load, quit")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			break
		}

		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		if !r.exec(parts[0], parts[1:]) {
			return
		}
	}
}

// exec runs one command and reports whether the session continues.
func (r *REPL) exec(cmd string, args []string) bool {
	switch cmd {
	case "get":
		if len(args) != 1 {
			fmt.Fprintln(r.out, "Usage: get <key>")
			return true
		}
		if val, ok := r.m.Get(args[0]); ok {
			fmt.Fprintf(r.out, "Value: %s\n", val)
		} else {
			fmt.Fprintln(r.out, "Key not found")
		}

	case "all":
		if len(args) != 1 {
			fmt.Fprintln(r.out, "Usage: all <key>")
			return true
		}
		if vals := r.m.LookupAll(args[0]); len(vals) > 0 {
			fmt.Fprintf(r.out, "Values: %v\n", vals)
		} else {
			fmt.Fprintln(r.out, "Key not found")
		}

	case "put", "add":
		if len(args) < 2 {
			fmt.Fprintf(r.out, "Usage: %s <key> <value>\n", cmd)
			return true
		}
		if cmd == "put" {
			r.m.Update(args[0], args[1], r.ledger)
		} else {
			r.m.Insert(args[0], args[1], r.ledger)
		}
		fmt.Fprintln(r.out, "OK")

	case "del":
		if len(args) != 1 {
			fmt.Fprintln(r.out, "Usage: del <key>")
			return true
		}
		if n := r.m.Erase(args[0], r.ledger); n > 0 {
			fmt.Fprintf(r.out, "Deleted %d\n", n)
		} else {
			fmt.Fprintln(r.out, "Key not found")
		}

	case "len":
		fmt.Fprintf(r.out, "Entries: %d, keys: %d\n", r.m.Len(), r.m.KeyCount())

	case "stats":
		fmt.Fprintf(r.out, "%s\n", statsJSON(r.m))

	case "save", "load":
		if len(args) != 1 {
			fmt.Fprintf(r.out, "Usage: %s <file>\n", cmd)
			return true
		}
		var (
			n   int
			err error
		)
		if cmd == "save" {
			n, err = r.save(args[0])
		} else {
			n, err = r.load(args[0])
		}
		if err != nil {
			fmt.Fprintf(r.out, "Error: %v\n", err)
		} else {
			fmt.Fprintf(r.out, "%d entries\n", n)
		}

	case "quit", "exit":
		fmt.Fprintln(r.out, "Goodbye!")
		return false

	default:
		fmt.Fprintf(r.out, "Unknown command: %s\n", cmd)
	}
	return true
}

func (r *REPL) save(path string) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	n, err := core.ExportJSON(r.m, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func (r *REPL) load(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return core.ImportJSON(r.m, f, r.ledger)
}

func statsJSON(m *lfmap.Map[string, string]) []byte {
	data, err := json.MarshalIndent(m.GetMetrics(), "", "  ")
	if err != nil {
		return []byte(err.Error())
	}
	return data
}

func main() {
	app := &cli.App{
		Name:  "lfmap-repl",
		Usage: "Interactive session over a lock-free multi-map",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "buckets", Usage: "snapshot bucket count (power of two)", Value: lfmap.DefaultBuckets},
			&cli.StringFlag{Name: "hasher", Usage: "key hasher: default, fnv1a, murmur3, xxhash", Value: "default"},
			&cli.StringFlag{Name: "log-level", Usage: "trace, debug, info, warn, error", Value: "warn", EnvVars: []string{"LFMAP_LOG_LEVEL"}},
			&cli.StringFlag{Name: "load", Usage: "load entries from this file at startup"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	hasher, err := lfmap.HasherByName(c.String("hasher"))
	if err != nil {
		return err
	}
	m, err := lfmap.NewWithConfig[string, string](lfmap.Config[string]{
		Buckets:       c.Int("buckets"),
		Hasher:        hasher,
		Logger:        hclog.New(&hclog.LoggerOptions{Name: "lfmap-repl", Level: hclog.LevelFromString(c.String("log-level"))}),
		EnableMetrics: true,
	})
	if err != nil {
		return err
	}
	defer m.Close()

	repl := NewREPL(m, os.Stdout)
	if path := c.String("load"); path != "" {
		n, err := repl.load(path)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		fmt.Printf("Loaded %d entries\n", n)
	}

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nReceived shutdown signal. Closing map...")
		os.Exit(0)
	}()

	repl.Run(os.Stdin)
	return nil
}
