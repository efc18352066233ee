package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/eljojo/hubsync"
	"github.com/eljojo/hubsync/services/stash"
	"github.com/eljojo/hubsync/state"
)

func restoreCmd(args []string) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	dataDir := fs.String("data-dir", hubsync.GetEnv("DATA_DIR", ""), "hub data directory (required)")
	secret := fs.String("secret", hubsync.GetEnv("HUBSYNC_SECRET", ""), "secret to seal the trees with")
	only := fs.String("name", "", "restore only this node")
	verbose := fs.Bool("verbose", false, "show progress on stderr")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: hubsync-backup restore -data-dir <dir> [options] < trees.jsonl

Replaces stored trees with the ones read from stdin. Stop the hub first.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *dataDir == "" {
		fmt.Fprintf(os.Stderr, "Error: -data-dir is required\n\n")
		fs.Usage()
		os.Exit(1)
	}
	configureLogging(*verbose)

	store, err := openStore(*dataDir, *secret)
	if err != nil {
		logrus.Fatal(err)
	}
	restored, skipped, err := restoreRecords(store, os.Stdin, *only)
	if cerr := store.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close store: %w", cerr))
	}
	fmt.Fprintf(os.Stderr, "restored %d trees, skipped %d\n", restored, skipped)
	if err != nil {
		logrus.Fatalf("restore failed: %v", err)
	}
}

// restoreRecords saves every valid record read from r, or only the one named
// only. Malformed lines and inconsistent trees are skipped; a failed save
// stops the restore.
func restoreRecords(store *stash.Store, r io.Reader, only string) (restored, skipped int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), 64<<20)
	for line := 1; scanner.Scan(); line++ {
		var rec stash.Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			logrus.Warnf("line %d: %v", line, err)
			skipped++
			continue
		}
		if only != "" && rec.Name != only {
			continue
		}
		// rebuilding checks the tree is consistent before it reaches the hub
		if _, err := state.NewMirror(rec.Modules); err != nil {
			logrus.Warnf("line %d (%s): %v", line, rec.Name, err)
			skipped++
			continue
		}
		if err := store.Save(rec); err != nil {
			return restored, skipped, fmt.Errorf("save %s: %w", rec.Name, err)
		}
		logrus.Infof("restored %s (%d modules)", rec.Name, len(rec.Modules))
		restored++
	}
	if err := scanner.Err(); err != nil {
		return restored, skipped, fmt.Errorf("read input: %w", err)
	}
	return restored, skipped, nil
}
