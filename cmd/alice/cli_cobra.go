package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/alice/pkg/config"
	"github.com/dotsetgreg/alice/pkg/memory"
)

type rootOptions struct {
	configPath string
	debug      bool
}

func executeCLI() error {
	return buildRootCommand().ExecuteContext(context.Background())
}

func buildRootCommand() *cobra.Command {
	opts := &rootOptions{}
	var showVersion bool

	root := &cobra.Command{
		Use:   appName,
		Short: "Locally hosted conversational companion with modes and long-term memory",
		Long: strings.TrimSpace(`alice is a conversational companion that runs on your own machine.

Chat in the console, serve the HTTP API and Discord bot, switch between
personality modes, and export or import everything ALICE remembers.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (default ~/.alice/config.json or $ALICE_CONFIG)")
	root.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newOnboardCommand(opts))
	root.AddCommand(newConsoleCommand(opts))
	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newModesCommand(opts))
	root.AddCommand(newSessionsCommand(opts))
	root.AddCommand(newExportCommand(opts))
	root.AddCommand(newImportCommand(opts))
	root.AddCommand(newSweepCommand(opts))
	root.AddCommand(newStatusCommand(opts))
	root.AddCommand(newVersionCommand())

	return root
}

// withRuntime loads config, logging and the store around fn.
func (o *rootOptions) withRuntime(withGenerator bool, fn func(rt *appRuntime) error) error {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg, o.debug); err != nil {
		return err
	}
	rt, err := openRuntime(cfg, withGenerator)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func (o *rootOptions) path() string {
	if strings.TrimSpace(o.configPath) != "" {
		return o.configPath
	}
	return config.DefaultPath()
}

func newOnboardCommand(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "onboard",
		Short:   "Write a default config file",
		Long:    "Create ~/.alice/config.json with defaults for a local Ollama backend.",
		Example: "  alice onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			path := opts.path()
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Fprintf(out, "Config already exists at %s\n", path)
				fmt.Fprint(out, "Overwrite? (y/n): ")
				response, readErr := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if readErr != nil && readErr != io.EOF {
					return fmt.Errorf("read answer: %w", readErr)
				}
				response = strings.ToLower(strings.TrimSpace(response))
				if response != "y" && response != "yes" {
					fmt.Fprintln(out, "Aborted.")
					return nil
				}
			}

			cfg := config.DefaultConfig()
			if err := config.SaveConfig(path, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			fmt.Fprintf(out, "%s is ready!\n", appName)
			fmt.Fprintln(out, "\nNext steps:")
			fmt.Fprintln(out, "  1. Pick a backend and model in", path)
			fmt.Fprintln(out, "     (default: ollama with llama3.2; run `ollama pull llama3.2`)")
			fmt.Fprintln(out, "  2. Chat locally: alice console")
			fmt.Fprintln(out, "  3. Serve the API and Discord bot: alice serve")
			fmt.Fprintln(out, "  4. Check readiness: alice status")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config without asking")
	return cmd
}

func newModesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "modes",
		Short:   "List available personality modes",
		Example: "  alice modes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			reg, err := loadModes(cfg)
			if err != nil {
				return err
			}
			def := reg.Default().Name
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDISPLAY NAME\tSAFETY\tNOTE")
			for _, m := range reg.List() {
				var notes []string
				if m.Name == def {
					notes = append(notes, "default")
				}
				if !m.Builtin() {
					notes = append(notes, "custom")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Name, m.DisplayName, m.Safety, strings.Join(notes, ","))
			}
			return w.Flush()
		},
	}
}

func newSessionsCommand(opts *rootOptions) *cobra.Command {
	var userID string
	root := &cobra.Command{
		Use:     "sessions",
		Short:   "List a user's sessions",
		Example: "  alice sessions --user discord:1234",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(false, func(rt *appRuntime) error {
				if userID == "" {
					userID = rt.cfg.User.ID
				}
				list, err := rt.ctrl.ListSessions(cmd.Context(), userID)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tMODE\tSTATE\tTURNS\tLAST ACTIVE")
				for _, s := range list {
					state := string(s.State)
					if s.Paused {
						state += " (paused)"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.ID, s.Mode, state, s.TurnCount, s.LastActiveAt.Local().Format("2006-01-02 15:04"))
				}
				return w.Flush()
			})
		},
	}
	root.Flags().StringVarP(&userID, "user", "u", "", "User id (default: the console user)")

	var limit int
	history := &cobra.Command{
		Use:     "history <session-id>",
		Short:   "Print a session's turns",
		Args:    cobra.ExactArgs(1),
		Example: "  alice sessions history 5f0c...",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(false, func(rt *appRuntime) error {
				turns, err := rt.ctrl.History(cmd.Context(), args[0], 0, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, t := range turns {
					if t.IsMarker() {
						fmt.Fprintf(out, "-- %s --\n", t.Text)
						continue
					}
					fmt.Fprintf(out, "[%s] %s: %s\n", t.CreatedAt.Local().Format("15:04"), speakerLabel(t), t.Text)
				}
				return nil
			})
		},
	}
	history.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of turns (0 for all)")
	root.AddCommand(history)
	return root
}

func speakerLabel(t memory.Turn) string {
	if t.Speaker == memory.SpeakerAssistant {
		return "ALICE"
	}
	return "You"
}

func newExportCommand(opts *rootOptions) *cobra.Command {
	var (
		userID string
		output string
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export sessions, turns, facts and mode overrides as JSON",
		Example: strings.Join([]string{
			"  alice export --output backup.json",
			"  alice export --all --output everything.json",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(false, func(rt *appRuntime) error {
				if all {
					userID = ""
				} else if userID == "" {
					userID = rt.cfg.User.ID
				}
				blob, err := rt.ctrl.Export(cmd.Context(), userID)
				if err != nil {
					return err
				}
				if output == "" || output == "-" {
					_, err = cmd.OutOrStdout().Write(append(blob, '\n'))
					return err
				}
				if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
					return err
				}
				if err := os.WriteFile(output, blob, 0o600); err != nil {
					return fmt.Errorf("write export: %w", err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Exported to %s\n", output)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id (default: the console user)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	cmd.Flags().BoolVar(&all, "all", false, "Export every user")
	return cmd
}

func newImportCommand(opts *rootOptions) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:     "import <file>",
		Short:   "Import an export document, replacing the users it contains",
		Args:    cobra.ExactArgs(1),
		Example: "  alice import backup.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read import: %w", err)
			}
			return opts.withRuntime(false, func(rt *appRuntime) error {
				res, err := rt.ctrl.Import(cmd.Context(), userID, blob)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d user(s), %d session(s), %d turn(s), %d fact(s)\n",
					res.Users, res.Sessions, res.Turns, res.Facts)
				if n := len(res.ModeOverrides); n > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "Installed %d mode override(s)\n", n)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "Import only this user from the document")
	return cmd
}

func newSweepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "sweep",
		Short:   "Run the session lifecycle and retention sweep once",
		Example: "  alice sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(false, func(rt *appRuntime) error {
				sw, err := rt.sweeper()
				if err != nil {
					return err
				}
				res, err := sw.SweepOnce(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Idled %d, archived %d, purged %d session(s)\n", res.Idled, res.Archived, res.Purged)
				return nil
			})
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration, backend and memory readiness",
		Example: "  alice status",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			path := opts.path()
			fmt.Fprintf(out, "%s Status\n", appName)
			fmt.Fprintf(out, "Version: %s\n\n", formatVersion())

			if _, err := os.Stat(path); err == nil {
				fmt.Fprintln(out, "Config:", path, "✓")
			} else {
				fmt.Fprintln(out, "Config:", path, "not found (defaults in use)")
			}

			return opts.withRuntime(true, func(rt *appRuntime) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), rt.cfg.GenerationTimeout())
				defer cancel()

				fmt.Fprintln(out, "Memory DB:", rt.cfg.DBPath())
				fmt.Fprintf(out, "Backend: %s (model %s)\n", rt.ctrl.Generator().Name(), rt.cfg.Generation.Model)
				fmt.Fprintln(out, "Default mode:", rt.modes.Default().Name)

				storeErr, genErr := rt.ctrl.Readiness(ctx)
				fmt.Fprintln(out, "Store ready:", readiness(storeErr))
				fmt.Fprintln(out, "Backend ready:", readiness(genErr))
				discord := "not set"
				if strings.TrimSpace(rt.cfg.Channels.Discord.Token) != "" {
					discord = "✓"
				}
				fmt.Fprintln(out, "Discord token:", discord)

				if storeErr == nil {
					stats, err := rt.ctrl.Stats(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "\nUsers: %d  Sessions: %d (%d active)  Turns: %d  Facts: %d  Queued: %d\n",
						stats.Users, stats.Sessions, stats.ActiveSessions, stats.Turns, stats.Facts, stats.Queued)
				}
				return nil
			})
		},
	}
}

func readiness(err error) string {
	if err != nil {
		return "✗ " + err.Error()
	}
	return "✓"
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  alice version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
