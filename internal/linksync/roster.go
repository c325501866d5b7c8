package linksync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// RosterEntry is one account the dashboard manages: the id to track and
// the human label to show for it. The roster file is maintained outside
// this process and only seeds the projection; it says nothing about link
// state.
type RosterEntry struct {
	CustomerID   string `json:"customerId"`
	DisplayLabel string `json:"displayLabel,omitempty"`
}

// LoadRoster reads and canonicalizes a roster file. Entries with
// malformed ids are rejected as a whole so a typo is noticed instead of
// silently tracking the wrong account.
func LoadRoster(path string) ([]RosterEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []RosterEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("roster %s: %w", path, err)
	}
	out := make([]RosterEntry, 0, len(entries))
	for _, entry := range entries {
		canonical, err := NormalizeCustomerID(entry.CustomerID)
		if err != nil {
			return nil, fmt.Errorf("roster %s: %w", path, err)
		}
		out = append(out, RosterEntry{CustomerID: canonical, DisplayLabel: entry.DisplayLabel})
	}
	return out, nil
}

// WatchRoster reloads the roster whenever the file changes and hands the
// result to apply. The parent directory is watched, not the file itself,
// so editors that replace the file via rename keep working. Reload
// failures are logged and skipped; the previous roster stays in effect.
func WatchRoster(ctx context.Context, path string, logger Logger, apply func([]RosterEntry)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			changed, absErr := filepath.Abs(event.Name)
			if absErr != nil || changed != target {
				continue
			}
			entries, loadErr := LoadRoster(path)
			if loadErr != nil {
				if logger != nil {
					logger.Printf("roster reload failed: %v", loadErr)
				}
				continue
			}
			apply(entries)
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if logger != nil {
				logger.Printf("roster watcher error: %v", watchErr)
			}
		}
	}
}
