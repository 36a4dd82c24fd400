package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/dotsetgreg/alice/pkg/memory"
	"github.com/dotsetgreg/alice/pkg/session"
)

func newConsoleCommand(opts *rootOptions) *cobra.Command {
	var (
		message   string
		sessionID string
		mode      string
	)

	cmd := &cobra.Command{
		Use:     "console",
		Aliases: []string{"chat"},
		Short:   "Chat with ALICE in the terminal",
		Long:    "Start an interactive console session, continue an existing one, or send a one-shot message.",
		Example: strings.Join([]string{
			"  alice console",
			"  alice console --mode storyteller",
			"  alice console --session 5f0c... --message \"where were we?\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(true, func(rt *appRuntime) error {
				c := &console{rt: rt, out: cmd.OutOrStdout()}
				if err := c.open(cmd.Context(), sessionID, mode); err != nil {
					return err
				}
				if strings.TrimSpace(message) != "" {
					_, err := c.send(cmd.Context(), message)
					return err
				}
				fmt.Fprintf(c.out, "%s console, session %s (type /help for commands, /quit to leave)\n\n", appName, c.sess.ID)
				if greeting := rt.ctrl.Greeting(c.sess); greeting != "" && c.sess.TurnCount == 0 {
					fmt.Fprintf(c.out, "ALICE: %s\n\n", greeting)
				}
				return c.interactive(cmd.Context())
			})
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "One-shot message to send")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Continue this session instead of starting a new one")
	cmd.Flags().StringVar(&mode, "mode", "", "Mode for a new session (default from config)")
	return cmd
}

type console struct {
	rt   *appRuntime
	out  io.Writer
	sess memory.Session
}

func (c *console) open(ctx context.Context, sessionID, mode string) error {
	ctrl := c.rt.ctrl
	if sessionID = strings.TrimSpace(sessionID); sessionID != "" {
		sess, err := ctrl.Session(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.State == memory.SessionArchived {
			if sess, err = ctrl.Reopen(ctx, sess.ID); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Session %s was archived; continuing in %s\n", sessionID, sess.ID)
		}
		c.sess = sess
		return nil
	}
	sess, err := ctrl.StartSession(ctx, c.rt.cfg.User.ID, mode, session.WithDisplayName(c.rt.cfg.User.DisplayName))
	if err != nil {
		return err
	}
	c.sess = sess
	return nil
}

// send delivers one line and prints the reply. It reports whether the
// session was closed by the line.
func (c *console) send(ctx context.Context, line string) (bool, error) {
	reply, err := c.rt.ctrl.Send(ctx, c.sess.ID, line)
	if reply.Text != "" {
		fmt.Fprintf(c.out, "\nALICE: %s\n\n", reply.Text)
	}
	if err != nil {
		return false, err
	}
	return reply.Closed, nil
}

func (c *console) interactive(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "You: ",
		HistoryFile:     filepath.Join(os.TempDir(), ".alice_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	if err != nil {
		fmt.Fprintf(c.out, "Error initializing readline: %v\n", err)
		fmt.Fprintln(c.out, "Falling back to simple input mode...")
		return c.simple(ctx, bufio.NewReader(os.Stdin))
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Fprintln(c.out, "\nGoodbye!")
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		if done := c.handleLine(ctx, line); done {
			return nil
		}
	}
}

func (c *console) simple(ctx context.Context, reader *bufio.Reader) error {
	for {
		fmt.Fprint(c.out, "You: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(c.out, "\nGoodbye!")
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		if done := c.handleLine(ctx, line); done {
			return nil
		}
	}
}

// handleLine returns true when the console should exit.
func (c *console) handleLine(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	switch input {
	case "":
		return false
	case "/quit", "/exit", "exit", "quit":
		fmt.Fprintln(c.out, "Goodbye!")
		return true
	}

	closed, err := c.send(ctx, input)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return errors.Is(err, session.ErrSessionArchived)
	}
	return closed
}
