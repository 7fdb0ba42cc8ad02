package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/CounselPipe/internal/flow"
	"github.com/BTreeMap/CounselPipe/internal/models"
)

const chatHelp = "Type a message and press Enter. Commands: /phase, /end, /quit"

func newChatCmd(c *cli) *cobra.Command {
	var personaID, sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start or resume a counseling session",
		Long: `Start a new counseling session with a persona, or resume an open one with --session.

Commands inside the chat:
  /phase - show the current phase and its goal
  /end   - close the session
  /quit  - leave without closing the session`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := newCompletionClient(c.cfg)
			if err != nil {
				return fmt.Errorf("failed to create completion client: %w", err)
			}
			a, err := openApp(ctx, c.cfg, client)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.ensurePersonas(ctx, c.cfg); err != nil {
				return fmt.Errorf("failed to prepare personas: %w", err)
			}
			if _, err := a.recoverState(ctx); err != nil {
				slog.Warn("chat: recovery incomplete", "error", err)
			}

			out := cmd.OutOrStdout()
			var sess models.Session
			if sessionID != "" {
				turns, err := a.flow.History(ctx, c.userID, sessionID)
				if err != nil {
					return fmt.Errorf("failed to resume session %s: %w", sessionID, err)
				}
				for _, t := range turns {
					fmt.Fprintln(out, renderTurn(t))
				}
				s, err := a.store.GetSession(ctx, sessionID)
				if err != nil {
					return err
				}
				sess = *s
				if sess.IsClosed() {
					return models.ErrSessionClosed
				}
			} else {
				sess, err = a.flow.StartSession(ctx, c.userID, personaID)
				if err != nil {
					return err
				}
			}

			fmt.Fprintln(out, titleStyle.Render("CounselPipe")+" "+mutedStyle.Render("session "+sess.ID))
			fmt.Fprintln(out, mutedStyle.Render(chatHelp))
			return runChatLoop(ctx, a.flow, c.userID, sess.ID, cmd.InOrStdin(), out)
		},
	}
	cmd.Flags().StringVar(&personaID, "persona", "counselor", "persona ID for a new session")
	cmd.Flags().StringVar(&sessionID, "session", "", "resume an existing open session")
	return cmd
}

// runChatLoop reads user lines until EOF, /quit, /end or the session closes.
func runChatLoop(ctx context.Context, f *flow.CounselingFlow, userID, sessionID string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*models.MaxMessageLength)

	for ctx.Err() == nil {
		fmt.Fprint(out, userStyle.Render("you> "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			fmt.Fprintln(out, mutedStyle.Render("Session left open. Resume with --session "+sessionID))
			return nil
		case "/phase":
			p, err := f.CurrentPhase(ctx, sessionID)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, renderPhase(p))
			continue
		case "/end":
			if _, err := f.EndSession(ctx, userID, sessionID); err != nil {
				return err
			}
			fmt.Fprintln(out, noticeStyle.Render("Session closed."))
			return nil
		}

		ex, err := f.SendMessage(ctx, userID, sessionID, line)
		switch {
		case errors.Is(err, models.ErrEmptyMessage), errors.Is(err, models.ErrMessageTooLong):
			fmt.Fprintln(out, errorStyle.Render(err.Error()))
			continue
		case err != nil:
			return err
		}

		fmt.Fprintln(out, renderTurn(ex.AITurn))
		if ex.Degraded {
			fmt.Fprintln(out, noticeStyle.Render("(the counselor is having trouble responding right now)"))
		}
		if ex.Session.IsClosed() {
			fmt.Fprintln(out, noticeStyle.Render("The counselor has closed this session."))
			return nil
		}
	}
	return nil
}
