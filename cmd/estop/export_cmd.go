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
	"github.com/Mindburn-Labs/estop/pkg/config"
)

// runExportCmd implements `estop export`.
//
// Packages a journal's full stream for auditors: a zip evidence pack on disk
// (--out), an S3 archive object (--bucket), or both. When JOURNAL_SECRET is
// set, a signed checkpoint attestation of the chain head is bundled so the
// export can later prove it was not truncated.
//
// Exit codes:
//
//	0 = export completed
//	2 = runtime error
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		journalPath string
		outPath     string
		bucket      string
		jsonOutput  bool
	)

	cmd.StringVar(&journalPath, "journal", "", "Path to a SQLite journal file (REQUIRED)")
	cmd.StringVar(&outPath, "out", "", "Output path for the zip evidence pack")
	cmd.StringVar(&bucket, "bucket", "", "S3 bucket for a JSONL archive (region/endpoint from env)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if journalPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --journal is required")
		return 2
	}
	if outPath == "" && bucket == "" {
		_, _ = fmt.Fprintln(stderr, "Error: specify --out and/or --bucket")
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()

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
	events, err := j.List(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: list events: %v\n", err)
		return 2
	}
	if len(events) == 0 {
		_, _ = fmt.Fprintln(stderr, "Error: journal is empty, nothing to export")
		return 2
	}
	head := j.Head()

	// Sign a head attestation when a journal secret is configured.
	var cp *audit.Checkpoint
	if cfg.JournalSecret != "" {
		keyring, err := audit.KeyringFromSecret([]byte(cfg.JournalSecret), "journal")
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: checkpoint keyring: %v\n", err)
			return 2
		}
		cp, err = j.Checkpoint(keyring)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: checkpoint signing: %v\n", err)
			return 2
		}
	}

	result := map[string]any{
		"journal":    journalPath,
		"events":     len(events),
		"head":       head,
		"checkpoint": cp != nil,
	}

	if outPath != "" {
		pack, checksum, err := audit.NewExporter().GeneratePack(events, head, cp)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: pack generation: %v\n", err)
			return 2
		}
		if err := os.WriteFile(outPath, pack, 0600); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: write pack: %v\n", err)
			return 2
		}
		result["pack_path"] = outPath
		result["pack_sha256"] = checksum
	}

	if bucket != "" {
		archiver, err := audit.NewS3Archiver(ctx, audit.S3ArchiverConfig{
			Bucket:   bucket,
			Region:   cfg.ArchiveRegion,
			Endpoint: cfg.ArchiveEndpoint,
			Prefix:   "journal/",
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: archiver: %v\n", err)
			return 2
		}
		key, err := archiver.Archive(ctx, events, head, cp)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: archive upload: %v\n", err)
			return 2
		}
		result["s3_bucket"] = bucket
		result["s3_key"] = key
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	_, _ = fmt.Fprintf(stdout, "Exported %d events (head %s)\n", len(events), head)
	if p, ok := result["pack_path"]; ok {
		_, _ = fmt.Fprintf(stdout, "  Pack:     %s (sha256 %s)\n", p, result["pack_sha256"])
	}
	if k, ok := result["s3_key"]; ok {
		_, _ = fmt.Fprintf(stdout, "  S3:       s3://%s/%s\n", bucket, k)
	}
	if cp != nil {
		_, _ = fmt.Fprintf(stdout, "  Attested: seq %d signed\n", cp.Seq)
	}
	return 0
}
