// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides an interactive REPL for a segment store.
//
// The REPL edits the head tree one property at a time and lets the user run
// compactions and cleanups by hand, which makes it easy to watch generations
// move and segments get reclaimed.
//
// # Usage
//
// Start the REPL over an in-memory store:
//
//	go run ./cmd/repl
//
// Or over a bbolt file, compacting in the background every second:
//
//	go run ./cmd/repl --db /tmp/segments.db --gc-interval 1s
//
// Binary properties are checked against an S3 bucket when one is given.
// Credentials come from the AWS environment variables:
//
//	go run ./cmd/repl --s3-endpoint localhost:9000 --s3-bucket blobs --s3-prefix datastore
//
// Available commands:
//
//	set <path> <name> <value>  - Set a property on the node at path
//	get <path> [name]          - Print one or all properties of a node
//	ls [path]                  - List the children of a node
//	rm <path>                  - Remove the node at path
//	compact [tail|full]        - Compact the head (default tail)
//	cleanup                    - Remove segments of old generations
//	gen                        - Print the head generation
//	stats                      - Print store statistics
//	quit, exit                 - Exit the REPL
//
// Paths are slash separated, "/" is the root. Values that parse as integers,
// floats or booleans are stored with that type, "blob:<id>" as a binary
// reference, everything else as a string.
//
// Example session:
//
//	> set /users/alice name Alice
//	OK Generation{generation=0, fullGeneration=0, isCompacted=false}
//	> compact full
//	compacted to ... in Generation{generation=1, fullGeneration=1, isCompacted=true} after 1 cycle(s) in 212µs
//	> get /users/alice name
//	name=Alice
//	> quit
//	Goodbye!
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kianostad/segcompact/internal/concurrency/cancel"
	"github.com/kianostad/segcompact/internal/concurrency/generation"
	core "github.com/kianostad/segcompact/internal/core"
	"github.com/kianostad/segcompact/internal/storage/blob"
	"github.com/kianostad/segcompact/internal/storage/segment"
)

type REPL struct {
	store *core.Store
	// stop cancels the running compaction on SIGINT.
	stop *cancel.Flag
}

func NewREPL(store *core.Store) *REPL {
	return &REPL{store: store, stop: cancel.NewFlag()}
}

func (r *REPL) Run() {
	fmt.Println("Segment Store REPL")
	fmt.Println("Commands: set, get, ls, rm, compact [tail|full], cleanup, gen, stats, quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		parts := strings.Fields(strings.TrimSpace(scanner.Text()))
		if len(parts) == 0 {
			continue
		}
		cmd, args := parts[0], parts[1:]
		if cmd == "quit" || cmd == "exit" {
			fmt.Println("Goodbye!")
			return
		}
		if err := r.exec(context.Background(), cmd, args); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

func (r *REPL) exec(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "set":
		if len(args) != 3 {
			return errors.New("usage: set <path> <name> <value>")
		}
		return r.update(ctx, args[0], func(n *segment.MemNode) error {
			n.Set(args[1], parseValue(args[2]))
			return nil
		})

	case "rm":
		if len(args) != 1 {
			return errors.New("usage: rm <path>")
		}
		parent, name := splitPath(args[0])
		if name == "" {
			return errors.New("cannot remove the root")
		}
		return r.update(ctx, parent, func(n *segment.MemNode) error {
			if !n.HasChild(name) {
				return errors.Newf("no node at %s", args[0])
			}
			n.RemoveChild(name)
			return nil
		})

	case "get":
		if len(args) < 1 || len(args) > 2 {
			return errors.New("usage: get <path> [name]")
		}
		n, err := r.lookup(args[0])
		if err != nil {
			return err
		}
		names := n.PropertyNames()
		if len(args) == 2 {
			names = []string{args[1]}
		}
		for _, name := range names {
			p, err := n.Property(name)
			if err != nil {
				return err
			}
			fmt.Println(p)
		}

	case "ls":
		path := "/"
		if len(args) == 1 {
			path = args[0]
		}
		n, err := r.lookup(path)
		if err != nil {
			return err
		}
		for _, name := range n.ChildNames() {
			fmt.Println(name + "/")
		}

	case "compact":
		kind := generation.Tail
		if len(args) == 1 && args[0] == "full" {
			kind = generation.Full
		}
		res, err := r.store.Compact(ctx, kind, r.stop)
		if err != nil {
			return err
		}
		switch {
		case res.Skipped:
			fmt.Println("Skipped, head is already compacted")
		case res.Incomplete:
			fmt.Printf("Cancelled: %s\n", res.Reason)
		default:
			fmt.Printf("%s after %d cycle(s) in %v\n", res.Result, res.Cycles, res.Duration.Round(time.Microsecond))
		}

	case "cleanup":
		res, err := r.store.Cleanup(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d segment(s), reclaimed %d bytes, kept %d bytes from generation %d\n",
			res.Removed, res.ReclaimedBytes, res.CurrentBytes, res.KeptFrom)

	case "gen":
		head, ok := r.store.Head()
		if !ok {
			fmt.Println("Nothing written yet")
			return nil
		}
		fmt.Printf("Head %s in %s\n", head.Root, head.Tag)

	case "stats":
		st := r.store.Stats()
		fmt.Printf("Head: %v (written: %t)\n", st.Head.Tag, st.HasHead)
		fmt.Printf("Estimated nodes: %d\n", st.Estimate)
		fmt.Printf("Pinned generations: %d\n", st.Pinned)
		fmt.Printf("Last pass: %d nodes, %d properties, %d binaries\n",
			st.Progress.Nodes, st.Progress.Properties, st.Progress.Binaries)

	default:
		return errors.Newf("unknown command: %s", cmd)
	}
	return nil
}

// update edits the node at path, creating missing nodes, and writes the
// result as the new head.
func (r *REPL) update(ctx context.Context, path string, fn func(*segment.MemNode) error) error {
	var root *segment.MemNode
	if _, ok := r.store.Head(); ok {
		ns, err := r.store.Root()
		if err != nil {
			return err
		}
		if root, err = segment.Edit(ns); err != nil {
			return err
		}
	} else {
		root = segment.NewMemNode()
	}

	n := root
	for _, name := range pathNames(path) {
		next, err := n.EditChild(name)
		if err != nil {
			return err
		}
		n = next
	}
	if err := fn(n); err != nil {
		return err
	}

	head, err := r.store.Write(ctx, root.State())
	if err != nil {
		return err
	}
	fmt.Printf("OK %s\n", head.Tag)
	return nil
}

func (r *REPL) lookup(path string) (segment.NodeState, error) {
	n, err := r.store.Root()
	if err != nil {
		return nil, err
	}
	for _, name := range pathNames(path) {
		if n, err = n.Child(name); err != nil {
			return nil, errors.Wrapf(err, "lookup %s", path)
		}
	}
	return n, nil
}

func pathNames(path string) []string {
	var names []string
	for _, name := range strings.Split(path, "/") {
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

func splitPath(path string) (parent, name string) {
	names := pathNames(path)
	if len(names) == 0 {
		return "/", ""
	}
	return "/" + strings.Join(names[:len(names)-1], "/"), names[len(names)-1]
}

func parseValue(s string) segment.Value {
	if id, ok := strings.CutPrefix(s, "blob:"); ok && id != "" {
		return segment.BinaryValue(blob.ID(id))
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return segment.LongValue(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return segment.DoubleValue(f)
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return segment.BoolValue(b)
	}
	return segment.StringValue(s)
}

func main() {
	var (
		db          string
		concurrency int
		gcInterval  time.Duration
		verbose     bool
		s3          blob.S3Config
	)
	root := &cobra.Command{
		Use:          "repl",
		Short:        "interactive shell over a segment store",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(*cobra.Command, []string) error {
			opts := core.DefaultOptions()
			opts.Concurrency = concurrency
			opts.GCInterval = gcInterval
			logger := logrus.New()
			logger.SetLevel(logrus.WarnLevel)
			if verbose {
				logger.SetLevel(logrus.DebugLevel)
			}
			opts.Logger = logger
			if s3.Bucket != "" {
				bs, err := blob.NewS3Store(s3)
				if err != nil {
					return err
				}
				opts.BlobStore = bs
			}
			if db != "" {
				bs, err := segment.OpenBoltStore(db)
				if err != nil {
					return err
				}
				opts.SegmentStore = bs
			}

			store, err := core.Open(opts)
			if err != nil {
				return err
			}
			defer store.Close()

			repl := NewREPL(store)

			// A signal cancels a running compaction, a second one exits.
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigChan
				repl.stop.Cancel("interrupted")
				<-sigChan
				fmt.Println("\nReceived shutdown signal. Closing store...")
				store.Close()
				os.Exit(0)
			}()

			repl.Run()
			return nil
		},
	}
	root.Flags().StringVar(&db, "db", "", "bbolt file for segments, in memory when empty")
	root.Flags().IntVarP(&concurrency, "concurrency", "c", 1, "compaction workers")
	root.Flags().DurationVar(&gcInterval, "gc-interval", 0, "background compaction interval, 0 disables")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.Flags().StringVar(&s3.Endpoint, "s3-endpoint", "localhost:9000", "S3 endpoint for blob lookups")
	root.Flags().StringVar(&s3.Bucket, "s3-bucket", "", "S3 bucket holding blobs, in memory when empty")
	root.Flags().StringVar(&s3.Prefix, "s3-prefix", "", "object name prefix of blobs")
	root.Flags().StringVar(&s3.Region, "s3-region", "", "S3 region, looked up when empty")
	root.Flags().BoolVar(&s3.UseSSL, "s3-ssl", false, "use TLS for S3")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
