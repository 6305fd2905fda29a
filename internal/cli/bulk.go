package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"image-optimizer/internal/bulk"
	"image-optimizer/internal/database"
	"image-optimizer/internal/scanstate"
)

// ErrQuotaExceeded is returned by run when the remote quota stops the run, so
// the process exits non-zero.
var ErrQuotaExceeded = errors.New("remote quota exceeded")

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runSelection is the set of job ids a run covers.
type runSelection struct {
	ids       []int64
	scheduled bool
}

func (s *runSelection) addFlags(cmd *cobra.Command) {
	cmd.Flags().Int64SliceVar(&s.ids, "ids", nil, "attachment ids to optimize (default: every indexed attachment)")
	cmd.Flags().BoolVar(&s.scheduled, "scheduled", false, "mark the run as scheduled rather than bulk")
}

func (s *runSelection) mode() scanstate.Mode {
	if s.scheduled {
		return scanstate.ModeScheduled
	}
	return scanstate.ModeBulk
}

// start begins a run, resuming an unfinished scan when there is one.
func (s *runSelection) start(cmd *cobra.Command, a *app) (bulk.StartResult, error) {
	ids := s.ids
	if len(ids) == 0 {
		var err error
		ids, err = a.db.ListAttachmentIDs(cmd.Context())
		if err != nil {
			return bulk.StartResult{}, err
		}
	}
	if len(ids) == 0 {
		return bulk.StartResult{}, errors.New("no attachments to optimize; run index first")
	}
	return a.controller.Start(cmd.Context(), ids, s.mode())
}

func newStartCmd(configFile *string) *cobra.Command {
	var sel runSelection

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start or resume a bulk run and print its token",
		Example: `  # Start a run over every indexed attachment
  image-optimizer start

  # Start a run over two attachments
  image-optimizer start --ids 12,15`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *configFile, true)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := sel.start(cmd, a)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	sel.addFlags(cmd)
	return cmd
}

func newTickCmd(configFile *string) *cobra.Command {
	var (
		token string
		one   bool
		force bool
	)

	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Advance a run by one tick",
		Long: `Advances the run identified by --token by one scan or optimization tick
and prints the result. Call it repeatedly, from cron or a shell loop,
until the status is "done".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *configFile, true)
			if err != nil {
				return err
			}
			defer a.Close()

			mode := bulk.TickBudget
			if one {
				mode = bulk.TickOne
			}
			result, err := a.controller.Tick(cmd.Context(), bulk.TickRequest{Token: token, Mode: mode, Force: force})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "run token printed by start")
	cmd.Flags().BoolVar(&one, "one", false, "process a single file")
	cmd.Flags().BoolVar(&force, "force", false, "re-optimize files the ledger marks as done")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newRunCmd(configFile *string) *cobra.Command {
	var (
		sel   runSelection
		token    string
		force    bool
		progress bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a run and tick it until it finishes",
		Long: `Starts a run (or continues the one named by --token) and ticks it until
every file is done, the remote quota runs out or the process is interrupted.
An interrupted run resumes where it stopped on the next invocation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *configFile, true)
			if err != nil {
				return err
			}
			defer a.Close()
			if progress {
				a.controller.AddSink(progressSink{w: cmd.ErrOrStderr()})
			}

			if token == "" {
				start, err := sel.start(cmd, a)
				if err != nil {
					return err
				}
				token = start.Token
			}

			result, err := a.controller.Run(cmd.Context(), token, force)
			if werr := writeJSON(cmd.OutOrStdout(), result); werr != nil && err == nil {
				err = werr
			}
			if err != nil {
				return err
			}
			switch result.Status {
			case bulk.StatusQuotaExceeded:
				return ErrQuotaExceeded
			case bulk.StatusSuperseded:
				return fmt.Errorf("run %s was superseded", token)
			}
			return nil
		},
	}
	sel.addFlags(cmd)
	cmd.Flags().StringVar(&token, "token", "", "continue this run instead of starting one")
	cmd.Flags().BoolVar(&force, "force", false, "re-optimize files the ledger marks as done")
	cmd.Flags().BoolVar(&progress, "progress", false, "print one line per tick to stderr")
	return cmd
}

// progressSink prints a line for every tick.
type progressSink struct {
	w io.Writer
}

func (p progressSink) Report(r bulk.TickResult) {
	_, _ = fmt.Fprintf(p.w, "%s: %d completed, %d pending, %d to scan",
		r.Status, r.Completed, r.Remaining, r.ScanRemaining)
	if r.LastResult != "" {
		_, _ = fmt.Fprintf(p.w, " (%s)", r.LastResult)
	}
	_, _ = fmt.Fprintln(p.w)
}

func newResetCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Abandon the current run and drop unstarted rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *configFile, true)
			if err != nil {
				return err
			}
			defer a.Close()

			removed, err := a.controller.Reset(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]int64{"removed": removed})
		},
	}
}

// statusOutput is a Snapshot plus, on request, the next pending rows.
type statusOutput struct {
	bulk.Snapshot
	Next []database.ImageRecord `json:"next,omitempty"`
}

func newStatusCmd(configFile *string) *cobra.Command {
	var pending int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the current run and ledger savings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *configFile, true)
			if err != nil {
				return err
			}
			defer a.Close()

			snap, err := a.controller.Status(cmd.Context())
			if err != nil {
				return err
			}
			out := statusOutput{Snapshot: snap}
			if pending > 0 {
				if out.Next, err = a.db.NextPending(cmd.Context(), pending); err != nil {
					return err
				}
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().IntVar(&pending, "pending", 0, "also list up to this many pending rows")
	return cmd
}
