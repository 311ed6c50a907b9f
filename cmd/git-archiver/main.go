package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Technical-1/Git-Archiver/internal/app"
	"github.com/Technical-1/Git-Archiver/internal/config"
	"github.com/Technical-1/Git-Archiver/internal/events"
	"github.com/Technical-1/Git-Archiver/internal/model"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer
// a.Close().
func newApp() (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config (run 'git-archiver config init' first): %w", err)
	}

	a, err := app.NewApp(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing: %w", err)
	}
	return a, nil
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

// printProgress renders one progress event as a console line.
func printProgress(tp events.TaskProgress) {
	if tp.Fraction >= 0 {
		fmt.Printf("[%-9s %3.0f%%] %s\n", tp.Stage, tp.Fraction*100, tp.Message)
	} else {
		fmt.Printf("[%-9s     ] %s\n", tp.Stage, tp.Message)
	}
}

// streamRepoTask prints progress for one repository's task until it
// reaches a terminal stage.
func streamRepoTask(ch <-chan events.Event, repoID int64) events.Stage {
	for e := range ch {
		tp, ok := e.(events.TaskProgress)
		if !ok || tp.RepoID != repoID {
			continue
		}
		printProgress(tp)
		switch tp.Stage {
		case events.StageDone, events.StageFailed, events.StageCancelled:
			return tp.Stage
		}
	}
	return events.StageFailed
}

// drainUntilIdle prints progress until the task manager goes idle.
func drainUntilIdle(a *app.App, ch <-chan events.Event) {
	for {
		select {
		case e := <-ch:
			if tp, ok := e.(events.TaskProgress); ok {
				printProgress(tp)
			}
		case <-time.After(100 * time.Millisecond):
			if running, queued := a.Service().TaskCounts(); running == 0 && queued == 0 {
				return
			}
		}
	}
}

var rootCmd = &cobra.Command{
	Use:   "git-archiver",
	Short: "Preserve remote Git repositories as local mirrors and snapshots",
}

// config command

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		fmt.Printf("Data Dir: %s\n", cfg.DataDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Data Dir:  %s\n", cfg.DataDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Database:  %s\n", cfg.DatabasePath)
		fmt.Printf("Forge URL: %s\n", cfg.Forge.BaseURL)
		return nil
	},
}

// repo commands

var addUpdateNow bool

var addCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Track a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		repo, err := a.Service().AddRepo(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Tracking %s (id %d)\n", repo.FullName(), repo.ID)

		if !addUpdateNow {
			return nil
		}
		ch, unsub := a.Bus().Subscribe(64)
		defer unsub()
		if err := a.Service().EnqueueUpdate(repo.ID); err != nil {
			return err
		}
		if stage := streamRepoTask(ch, repo.ID); stage != events.StageDone {
			return fmt.Errorf("mirror task ended with stage %s", stage)
		}
		return nil
	},
}

var listStatus string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked repositories",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		var filter *model.RepoStatus
		if listStatus != "" {
			status := model.RepoStatus(listStatus)
			if !model.ValidStatus(status) {
				return fmt.Errorf("invalid status %q", listStatus)
			}
			filter = &status
		}

		repos, err := a.Service().ListRepos(filter)
		if err != nil {
			return err
		}
		if len(repos) == 0 {
			fmt.Println("No repositories tracked.")
			return nil
		}
		fmt.Printf("%-5s %-40s %-9s %s\n", "ID", "REPOSITORY", "STATUS", "LAST UPDATED")
		for _, r := range repos {
			updated := "-"
			if r.LastUpdated != nil {
				updated = r.LastUpdated.Local().Format("2006-01-02 15:04")
			}
			fmt.Printf("%-5d %-40s %-9s %s\n", r.ID, r.FullName(), r.Status, updated)
		}
		return nil
	},
}

var rmKeepFiles bool

var rmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Stop tracking a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Service().DeleteRepo(id, !rmKeepFiles); err != nil {
			return err
		}
		fmt.Printf("Repository %d deleted.\n", id)
		return nil
	},
}

// task commands

var updateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Mirror and snapshot one repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ch, unsub := a.Bus().Subscribe(64)
		defer unsub()
		if err := a.Service().EnqueueUpdate(id); err != nil {
			return err
		}
		if stage := streamRepoTask(ch, id); stage != events.StageDone {
			return fmt.Errorf("task ended with stage %s", stage)
		}
		return nil
	},
}

var updateAllArchived bool

var updateAllCmd = &cobra.Command{
	Use:   "update-all",
	Short: "Mirror and snapshot every eligible repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ch, unsub := a.Bus().Subscribe(256)
		defer unsub()
		if err := a.Service().EnqueueUpdateAll(updateAllArchived); err != nil {
			return err
		}
		drainUntilIdle(a, ch)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Cancel all queued and running tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		a.Service().StopAll()
		fmt.Println("Cancellation signalled.")
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Refresh upstream lifecycle state for every repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ch, unsub := a.Bus().Subscribe(256)
		defer unsub()
		if err := a.Service().EnqueueReconcile(); err != nil {
			return err
		}
		drainUntilIdle(a, ch)
		return nil
	},
}

// archive commands

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Manage snapshot archives",
}

var archiveListCmd = &cobra.Command{
	Use:   "list <repo-id>",
	Short: "List a repository's archives",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		archives, err := a.Service().ListArchives(id)
		if err != nil {
			return err
		}
		if len(archives) == 0 {
			fmt.Println("No archives.")
			return nil
		}
		fmt.Printf("%-5s %-45s %-11s %-6s %s\n", "ID", "FILENAME", "SIZE", "FILES", "KIND")
		for _, ar := range archives {
			kind := "full"
			if ar.Incremental {
				kind = "incremental"
			}
			fmt.Printf("%-5d %-45s %-11d %-6d %s\n", ar.ID, ar.Filename, ar.SizeBytes, ar.FileCount, kind)
		}
		return nil
	},
}

var archiveExtractCmd = &cobra.Command{
	Use:   "extract <archive-id> <destination>",
	Short: "Extract an archive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Service().ExtractArchive(context.Background(), id, args[1]); err != nil {
			return err
		}
		fmt.Printf("Extracted archive %d to %s\n", id, args[1])
		return nil
	},
}

var archiveRmCmd = &cobra.Command{
	Use:   "rm <archive-id>",
	Short: "Delete an archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Service().DeleteArchive(id); err != nil {
			return err
		}
		fmt.Printf("Archive %d deleted.\n", id)
		return nil
	},
}

// settings commands

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "View runtime settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.Service().GetSettings()
		if err != nil {
			return err
		}
		fmt.Printf("data_dir:                    %s\n", s.DataDir)
		fmt.Printf("archive_format:              %s\n", s.ArchiveFormat)
		fmt.Printf("mirror_depth:                %d\n", s.MirrorDepth)
		fmt.Printf("max_concurrent_tasks:        %d\n", s.MaxConcurrentTasks)
		fmt.Printf("auto_check_interval_minutes: %d\n", s.AutoCheckMinutes)
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one runtime setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.Service().GetSettings()
		if err != nil {
			return err
		}

		key, value := args[0], args[1]
		switch key {
		case "data_dir":
			s.DataDir = value
		case "archive_format":
			s.ArchiveFormat = value
		case "mirror_depth":
			s.MirrorDepth, err = strconv.Atoi(value)
		case "max_concurrent_tasks":
			s.MaxConcurrentTasks, err = strconv.Atoi(value)
		case "auto_check_interval_minutes":
			s.AutoCheckMinutes, err = strconv.Atoi(value)
		default:
			return fmt.Errorf("unknown setting %q", key)
		}
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}

		if err := a.Service().SaveSettings(s, nil); err != nil {
			return err
		}
		fmt.Printf("%s = %s\n", key, value)
		return nil
	},
}

// token commands

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the forge access token",
}

var tokenSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store a forge access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Print("Token (input hidden): ")
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("reading token: %w", err)
		}
		token := strings.TrimSpace(string(raw))
		if token == "" {
			return fmt.Errorf("empty token")
		}

		s, err := a.Service().GetSettings()
		if err != nil {
			return err
		}
		if err := a.Service().SaveSettings(s, &token); err != nil {
			return err
		}
		fmt.Println("Token stored.")
		return nil
	},
}

var tokenClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Erase the stored forge access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.Service().GetSettings()
		if err != nil {
			return err
		}
		empty := ""
		if err := a.Service().SaveSettings(s, &empty); err != nil {
			return err
		}
		fmt.Println("Token erased.")
		return nil
	},
}

// misc commands

var rateLimitCmd = &cobra.Command{
	Use:   "rate-limit",
	Short: "Show the forge API rate limit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		rl, err := a.Service().GetRateLimit(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Limit:     %d\n", rl.Limit)
		fmt.Printf("Remaining: %d\n", rl.Remaining)
		fmt.Printf("Resets:    %s\n", rl.Reset.Local().Format(time.RFC1123))
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a legacy JSON export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading import file: %w", err)
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Service().ImportLegacy(data)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d repositories, %d archives found.\n", result.Imported, result.ArchivesFound)
		for _, msg := range result.Errors {
			fmt.Printf("  warning: %s\n", msg)
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine until interrupted, printing activity",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ch, unsub := a.Bus().Subscribe(256)
		defer unsub()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		fmt.Println("Engine running; press Ctrl-C to stop.")

		for {
			select {
			case e := <-ch:
				switch ev := e.(type) {
				case events.TaskProgress:
					printProgress(ev)
				case events.RepoUpdated:
					fmt.Printf("[updated       ] %s is now %s\n", ev.Repo.FullName(), ev.Repo.Status)
				case events.TaskError:
					fmt.Printf("[error         ] (%s) %s\n", ev.Kind, ev.Message)
				}
			case <-sig:
				fmt.Println("\nStopping...")
				a.Service().StopAll()
				return nil
			}
		}
	},
}

func init() {
	addCmd.Flags().BoolVar(&addUpdateNow, "update", false, "clone and snapshot immediately")
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (pending|active|archived|deleted|error)")
	rmCmd.Flags().BoolVar(&rmKeepFiles, "keep-files", false, "keep the mirror and snapshots on disk")
	updateAllCmd.Flags().BoolVar(&updateAllArchived, "include-archived", false, "also update archived and deleted repositories")

	configCmd.AddCommand(configInitCmd, configListCmd)
	archiveCmd.AddCommand(archiveListCmd, archiveExtractCmd, archiveRmCmd)
	settingsCmd.AddCommand(settingsSetCmd)
	tokenCmd.AddCommand(tokenSetCmd, tokenClearCmd)

	rootCmd.AddCommand(
		configCmd, addCmd, listCmd, rmCmd,
		updateCmd, updateAllCmd, stopCmd, reconcileCmd,
		archiveCmd, settingsCmd, tokenCmd,
		rateLimitCmd, importCmd, runCmd,
	)
}
