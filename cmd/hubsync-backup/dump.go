package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eljojo/hubsync"
	"github.com/eljojo/hubsync/services/stash"
	"github.com/eljojo/hubsync/state"
)

func dumpCmd(args []string) {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	dataDir := fs.String("data-dir", hubsync.GetEnv("DATA_DIR", ""), "hub data directory")
	secret := fs.String("secret", hubsync.GetEnv("HUBSYNC_SECRET", ""), "secret the trees were sealed with")
	hubURL := fs.String("hub-url", "", "fetch from a running hub instead, e.g. http://hub:7410")
	timeout := fs.Duration("timeout", time.Minute, "timeout when fetching from a hub")
	verbose := fs.Bool("verbose", false, "show progress on stderr")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: hubsync-backup dump (-data-dir <dir> | -hub-url <url>) [options]

Writes one JSON record per node to stdout.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if (*dataDir == "") == (*hubURL == "") {
		fmt.Fprintf(os.Stderr, "Error: exactly one of -data-dir and -hub-url is required\n\n")
		fs.Usage()
		os.Exit(1)
	}
	configureLogging(*verbose)

	records, err := collectRecords(*dataDir, *secret, *hubURL, *timeout)
	if err != nil {
		logrus.Fatalf("dump failed: %v", err)
	}
	if err := writeRecords(os.Stdout, records); err != nil {
		logrus.Fatalf("dump failed: %v", err)
	}
	logrus.Infof("dumped %d trees", len(records))
}

// collectRecords reads every tree from a hub, or from its data directory.
// The store is closed before returning.
func collectRecords(dataDir, secret, hubURL string, timeout time.Duration) ([]stash.Record, error) {
	if hubURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return fetchRecords(ctx, strings.TrimSuffix(hubURL, "/"))
	}
	store, err := openStore(dataDir, secret)
	if err != nil {
		return nil, err
	}
	records, err := loadRecords(store)
	return records, errors.Join(err, store.Close())
}

func writeRecords(w io.Writer, records []stash.Record) error {
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("write %s: %w", rec.Name, err)
		}
		logrus.Infof("dumped %s (%d modules)", rec.Name, len(rec.Modules))
	}
	return nil
}

func loadRecords(store *stash.Store) ([]stash.Record, error) {
	names, err := store.Names()
	if err != nil {
		return nil, err
	}
	records := make([]stash.Record, 0, len(names))
	for _, name := range names {
		rec, _, err := store.Load(name)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func fetchRecords(ctx context.Context, base string) ([]stash.Record, error) {
	var list struct {
		Nodes []hubsync.NodeStatus `json:"nodes"`
	}
	if err := getJSON(ctx, base+"/api/nodes", &list); err != nil {
		return nil, err
	}

	records := make([]stash.Record, 0, len(list.Nodes))
	for _, node := range list.Nodes {
		var tree struct {
			Modules []state.ModulePayload `json:"modules"`
		}
		if err := getJSON(ctx, base+"/api/nodes/"+url.PathEscape(node.Name), &tree); err != nil {
			return nil, err
		}
		records = append(records, stash.Record{Name: node.Name, SavedAt: time.Now().UTC(), Modules: tree.Modules})
	}
	return records, nil
}

func getJSON(ctx context.Context, target string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", target, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
