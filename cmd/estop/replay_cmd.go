package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/estop/pkg/audit"
	"github.com/Mindburn-Labs/estop/pkg/replay"
)

// runReplayCmd implements `estop replay`.
//
// Folds a journal's event stream back into per-target plan snapshots, so an
// operator can see what state the stream attests to without the service up.
//
// Exit codes:
//
//	0 = reconstruction succeeded
//	1 = stream is corrupt or incomplete
//	2 = runtime error
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		journalPath string
		eventsPath  string
		jsonOutput  bool
	)

	cmd.StringVar(&journalPath, "journal", "", "Path to a SQLite journal file")
	cmd.StringVar(&eventsPath, "events", "", "Path to a JSONL event export (from estop export)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output snapshots as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if (journalPath == "") == (eventsPath == "") {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one of --journal or --events is required")
		return 2
	}

	var (
		snapshots map[uuid.UUID]*replay.Snapshot
		err       error
	)
	if journalPath != "" {
		events, loadErr := loadJournalEvents(journalPath)
		if loadErr != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", loadErr)
			return 2
		}
		snapshots, err = replay.Rebuild(events)
	} else {
		snapshots, err = replay.RebuildFromFile(eventsPath)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: reconstruction failed: %v\n", err)
		return 1
	}

	if jsonOutput {
		out := make(map[string]any, len(snapshots))
		for t, snap := range snapshots {
			perms := make([]string, len(snap.Permissions))
			for i, p := range snap.Permissions {
				perms[i] = p.String()
			}
			out[t.String()] = map[string]any{
				"state":       snap.State.String(),
				"permissions": perms,
			}
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	if len(snapshots) == 0 {
		_, _ = fmt.Fprintln(stdout, "No open plans in the stream.")
		return 0
	}

	targets := make([]uuid.UUID, 0, len(snapshots))
	for t := range snapshots {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].String() < targets[j].String() })

	for _, t := range targets {
		snap := snapshots[t]
		_, _ = fmt.Fprintf(stdout, "%s%s%s  %s  (%d permissions)\n",
			ColorBold, t, ColorReset, snap.State, len(snap.Permissions))
		for i, p := range snap.Permissions {
			_, _ = fmt.Fprintf(stdout, "  [%d] %s\n", i, p)
		}
	}
	return 0
}

// loadJournalEvents opens a SQLite journal read-only and lists its stream.
func loadJournalEvents(path string) ([]*audit.Event, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(1)

	j, err := audit.NewSQLiteJournal(db)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return j.List(context.Background())
}
