package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/eljojo/hubsync/services/stash"
	"github.com/eljojo/hubsync/utilities"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "dump":
		dumpCmd(os.Args[2:])
	case "restore":
		restoreCmd(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `hubsync-backup - authority tree backup and restore tool

Usage:
  hubsync-backup <command> [options]

Commands:
  dump      Write every stored tree to stdout (JSON Lines, one node per line)
  restore   Read trees from stdin into a hub's data directory

Examples:
  # Dump from a stopped hub's data directory
  hubsync-backup dump -data-dir /var/lib/hubsync > trees.jsonl

  # Dump from a running hub over HTTP
  hubsync-backup dump -hub-url http://hub:7410 > trees.jsonl

  # Restore into a stopped hub
  hubsync-backup restore -data-dir /var/lib/hubsync < trees.jsonl

For more information on each command, use:
  hubsync-backup <command> -help
`)
}

// openStore opens a hub's data directory. The hub must not be running:
// pebble holds an exclusive lock on it.
func openStore(dataDir, secret string) (*stash.Store, error) {
	var enc *utilities.Encryptor
	if secret != "" {
		var err error
		if enc, err = utilities.NewEncryptor([]byte(secret)); err != nil {
			return nil, fmt.Errorf("invalid secret: %w", err)
		}
	}
	backend, err := stash.OpenPebble(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open %s (is the hub still running?): %w", dataDir, err)
	}
	return stash.NewStore(backend, enc), nil
}

func configureLogging(verbose bool) {
	// stdout carries the data
	logrus.SetOutput(os.Stderr)
	if verbose {
		logrus.SetLevel(logrus.InfoLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}
}
