package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/estop/pkg/audit"
)

// runVerifyCmd implements `estop verify`.
//
// Walks a journal's hash chain link by link, and optionally checks a signed
// checkpoint attestation against the chain.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		journalPath    string
		checkpointPath string
		jsonOutput     bool
	)

	cmd.StringVar(&journalPath, "journal", "", "Path to a SQLite journal file (REQUIRED)")
	cmd.StringVar(&checkpointPath, "checkpoint", "", "Path to a checkpoint JSON attestation")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if journalPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --journal is required")
		return 2
	}

	ctx := context.Background()
	db, err := sql.Open("sqlite", journalPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: open journal: %v\n", err)
		return 2
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(1)

	j, err := audit.NewSQLiteJournal(db)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read journal: %v\n", err)
		return 2
	}

	result := map[string]any{
		"journal": journalPath,
		"seq":     j.Seq(),
		"head":    j.Head(),
		"valid":   true,
	}

	if err := j.VerifyChain(ctx); err != nil {
		result["valid"] = false
		result["error"] = err.Error()
		return verdict(stdout, stderr, jsonOutput, result)
	}

	if checkpointPath != "" {
		cp, err := loadCheckpoint(checkpointPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		result["checkpoint_seq"] = cp.Seq
		if err := verifyCheckpointAgainst(ctx, j, cp); err != nil {
			result["valid"] = false
			result["error"] = err.Error()
		}
	}

	return verdict(stdout, stderr, jsonOutput, result)
}

func loadCheckpoint(path string) (*audit.Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp audit.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return &cp, nil
}

// verifyCheckpointAgainst checks the attestation's signature, then that the
// chain actually passed through the attested head at the attested sequence.
func verifyCheckpointAgainst(ctx context.Context, j *audit.SQLiteJournal, cp *audit.Checkpoint) error {
	if err := audit.VerifyCheckpoint(cp); err != nil {
		return err
	}
	if cp.Seq > j.Seq() {
		return fmt.Errorf("checkpoint seq %d is beyond the journal (seq %d): journal truncated", cp.Seq, j.Seq())
	}
	events, err := j.QueryEvents(ctx, audit.Filter{StartSeq: cp.Seq, EndSeq: cp.Seq})
	if err != nil {
		return fmt.Errorf("lookup event %d: %w", cp.Seq, err)
	}
	if len(events) != 1 {
		return fmt.Errorf("journal has no event at checkpoint seq %d", cp.Seq)
	}
	if events[0].Hash != cp.Head {
		return fmt.Errorf("chain head at seq %d is %s, checkpoint attests %s: history rewritten",
			cp.Seq, events[0].Hash, cp.Head)
	}
	return nil
}

func verdict(stdout, stderr io.Writer, jsonOutput bool, result map[string]any) int {
	valid, _ := result["valid"].(bool)

	if jsonOutput {
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if valid {
		_, _ = fmt.Fprintf(stdout, "Journal chain verification PASSED\n")
		_, _ = fmt.Fprintf(stdout, "  Events: %d\n", result["seq"])
		_, _ = fmt.Fprintf(stdout, "  Head:   %s\n", result["head"])
		if cpSeq, ok := result["checkpoint_seq"]; ok {
			_, _ = fmt.Fprintf(stdout, "  Checkpoint at seq %v verified\n", cpSeq)
		}
	} else {
		_, _ = fmt.Fprintf(stderr, "Journal chain verification FAILED\n")
		_, _ = fmt.Fprintf(stderr, "  %s\n", result["error"])
	}

	if !valid {
		return 1
	}
	return 0
}
