package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"image-optimizer/internal/database"
	"image-optimizer/internal/indexer"
	"image-optimizer/internal/logging"
)

func newOptimizeCmd(configFile *string) *cobra.Command {
	var force, queue bool

	cmd := &cobra.Command{
		Use:   "optimize <path>...",
		Short: "Optimize individual files outside a bulk run",
		Long: `Optimizes each path immediately and records the outcome in the ledger.
With --queue the paths are only marked pending and the next bulk tick picks
them up. Paths must lie inside the media directory.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *configFile, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if queue {
				return queuePaths(cmd, a, args)
			}

			var errs []error
			for _, path := range args {
				out, err := a.dispatcher.OptimizeFile(cmd.Context(), path, force)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", path, err))
					continue
				}
				if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "re-optimize files the ledger marks as done")
	cmd.Flags().BoolVar(&queue, "queue", false, "mark the paths pending instead of optimizing them now")
	return cmd
}

// queuePaths marks each path pending with manual attribution.
func queuePaths(cmd *cobra.Command, a *app, paths []string) error {
	root := a.config.Settings.MediaDir
	queued := 0
	var errs []error
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		if rel, err := filepath.Rel(root, abs); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			errs = append(errs, fmt.Errorf("%s: outside the media directory", path))
			continue
		}
		if err := a.db.MarkPending(cmd.Context(), abs, database.Attribution{Gallery: "manual"}); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		queued++
	}
	if err := writeJSON(cmd.OutOrStdout(), map[string]int{"queued": queued}); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func newIndexCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Index the media directory into attachments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *configFile, true)
			if err != nil {
				return err
			}
			defer a.Close()

			idx := indexer.New(a.db, a.config.Settings.MediaDir, 0)
			result, err := idx.Index(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
}

// ImportResult reports an import.
type ImportResult struct {
	Read       int   `json:"read"`
	Imported   int64 `json:"imported"`
	Duplicates int64 `json:"duplicates"`
}

func newImportCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import ledger rows from a JSON lines file",
		Long: `Imports rows written by an older ledger, one JSON object per line ("-" reads
stdin). Rows whose path already exists are skipped. Rows that alias an
existing file under another path encoding are recorded as duplicates for
the dedupe command.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			records, err := readRecords(in)
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context(), *configFile, true)
			if err != nil {
				return err
			}
			defer a.Close()

			result := ImportResult{Read: len(records)}
			result.Imported, err = a.db.ImportRecords(cmd.Context(), records)
			if err != nil {
				return err
			}

			resolver := database.NewResolver(a.db)
			for _, r := range records {
				if _, err := resolver.Resolve(cmd.Context(), r.Path); err != nil && !errors.Is(err, database.ErrRecordNotFound) {
					return err
				}
			}
			result.Duplicates, err = a.db.CountDuplicates(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
}

// readRecords parses JSON lines, skipping blank lines.
func readRecords(r io.Reader) ([]database.ImageRecord, error) {
	var records []database.ImageRecord
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rec database.ImageRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if rec.Path == "" {
			logging.Warn("Skipping line %d: no path", line)
			continue
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

func newDedupeCmd(configFile *string) *cobra.Command {
	var (
		dryRun bool
		vacuum bool
	)

	cmd := &cobra.Command{
		Use:   "dedupe [path]...",
		Short: "Delete duplicate ledger rows recorded during lookups",
		Long: `Resolves the given paths, then deletes every duplicate row recorded so far,
merging attribution into the row that is kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *configFile, true)
			if err != nil {
				return err
			}
			defer a.Close()

			resolver := database.NewResolver(a.db)
			for _, path := range args {
				if _, err := resolver.Resolve(cmd.Context(), path); err != nil && !errors.Is(err, database.ErrRecordNotFound) {
					return err
				}
			}

			pending, err := a.db.CountDuplicates(cmd.Context())
			if err != nil {
				return err
			}
			if dryRun {
				return writeJSON(cmd.OutOrStdout(), map[string]int64{"duplicates": pending})
			}

			purged, err := a.db.PurgeDuplicates(cmd.Context())
			if err != nil {
				return err
			}
			if vacuum {
				if err := a.db.Vacuum(cmd.Context()); err != nil {
					return err
				}
			}
			return writeJSON(cmd.OutOrStdout(), map[string]int{"purged": purged})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only count recorded duplicates")
	cmd.Flags().BoolVar(&vacuum, "vacuum", false, "vacuum the ledger afterwards")
	return cmd
}
