package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"tabsync/internal/config"
	"tabsync/internal/engine"
	"tabsync/internal/mergecfg"
	"tabsync/internal/procmon"
	"tabsync/internal/syncerrors"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one full sync cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCycle(engine.ForceNone)
		},
	}
}

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Force-upload local configuration to the gist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCycle(engine.ForceUpload)
		},
	}
}

func newPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Force-download the gist over local configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCycle(engine.ForceDownload)
		},
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the sync gist from this machine's configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if a.remote.GistID() != "" {
				return fmt.Errorf("a sync record is already configured (gist %s); use push instead", a.remote.GistID())
			}

			ctx, stop := signalContext()
			defer stop()

			report, err := a.engine.Sync(ctx, engine.ForceUpload)
			if err != nil {
				return err
			}

			printReport(report)

			if id := a.remote.GistID(); id != "" {
				fmt.Printf("\nsync record created: %s\n", id)
				fmt.Println("set GIST_ID to this value on your other machines")
			}

			return report.Failed()
		},
	}
}

func runCycle(force engine.Force) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	report, err := a.engine.Sync(ctx, force)
	if err != nil {
		return err
	}

	printReport(report)

	return report.Failed()
}

func printReport(report *engine.Report) {
	for _, it := range report.Items {
		line := fmt.Sprintf("%-22s %s", it.Item, it.Outcome)
		if it.Err != nil {
			line += ": " + it.Err.Error()
		}

		fmt.Println(line)
	}

	if report.Pending() {
		fmt.Println("\nconflict needs a manual decision; local vs cloud:")
		fmt.Print(report.Diff)
		fmt.Println("re-run with CONFLICT_STRATEGY=local or CONFLICT_STRATEGY=cloud to pick a side")
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what a sync would do, without doing it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext()
			defer stop()

			st, err := a.engine.Status(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("config dir:   %s\n", st.ConfigDir)
			fmt.Printf("device:       %s (%s)\n", a.cfg.DeviceName, st.Device)
			fmt.Printf("strategy:     %s\n", a.strategy)

			switch {
			case st.RemoteMissing:
				fmt.Println("sync record:  not created yet (run tabsync init)")
			case st.Offline:
				fmt.Printf("sync record:  %s (unreachable, showing local view)\n", st.GistID)
			default:
				fmt.Printf("sync record:  %s\n", st.GistID)
			}

			mon := procmon.New(a.cfg.ProcessName, a.cfg.PollInterval, a.logger)
			if running, err := mon.Running(); err == nil {
				fmt.Printf("%-13s %v\n", a.cfg.ProcessName+":", running)
			}

			if !st.LastPull.IsZero() {
				fmt.Printf("last pull:    %s\n", humanize.Time(st.LastPull))
			}

			fmt.Println()
			for _, it := range st.Items {
				detail := "up to date"
				if it.Action != engine.ActionNone {
					detail = "would " + it.Action.String()
				}

				if !it.LastSynced.IsZero() {
					detail += fmt.Sprintf(" (last synced %s)", humanize.Time(it.LastSynced))
				}

				fmt.Printf("%-22s %s\n", it.Item, detail)
			}

			return nil
		},
	}
}

func newBackupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List safety snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.backups.List()
			if err != nil {
				return err
			}

			if len(entries) == 0 {
				fmt.Println("no backups yet")
				return nil
			}

			for _, e := range entries {
				fmt.Println(e.Describe())
			}

			return nil
		},
	}
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backup-name>",
		Short: "Restore a safety snapshot over the current configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			entry, err := a.backups.Find(args[0])
			if err != nil {
				return err
			}

			pre, err := a.backups.Restore(*entry, a.cfg.ConfigDir, config.PrimaryDocument, mergecfg.Validate)
			if errors.Is(err, syncerrors.ErrIntegrity) {
				return fmt.Errorf("%w\nthe pre-restore state was saved as %s; run `tabsync restore %s` to roll back", err, pre.Name, pre.Name)
			}
			if err != nil {
				return err
			}

			fmt.Printf("restored %s (previous state saved as %s)\n", entry.Name, pre.Name)

			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent sync actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.engine.HistoryEntries(limit)
			if err != nil {
				return err
			}

			if len(entries) == 0 {
				fmt.Println("no sync history yet")
				return nil
			}

			for _, e := range entries {
				fmt.Printf("%s  %-8s  %-22s  %s\n",
					time.Unix(e.Time, 0).Format("2006-01-02 15:04:05"),
					e.Action, e.Item, e.Device,
				)
			}

			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")

	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the Tabby process and sync on start/stop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext()
			defer stop()

			tracker := engine.NewTracker(a.cfg.ConfigDir, a.exclude, a.logger)
			mon := procmon.New(a.cfg.ProcessName, a.cfg.PollInterval, a.logger)

			err = a.engine.Watch(ctx, mon, tracker)
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		},
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
