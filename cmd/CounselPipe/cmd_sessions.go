package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSessionsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List the user's sessions, most recently active first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, c.cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			sessions, err := a.flow.Sessions(ctx, c.userID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, mutedStyle.Render("No sessions for "+c.userID))
				return nil
			}
			for _, s := range sessions {
				fmt.Fprintln(out, renderSessionRow(s))
			}
			return nil
		},
	}
}

func newHistoryCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "history SESSION_ID",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, c.cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			turns, err := a.flow.History(ctx, c.userID, args[0])
			if err != nil {
				return err
			}
			p, err := a.flow.CurrentPhase(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range turns {
				fmt.Fprintln(out, renderTurn(t))
			}
			fmt.Fprintf(out, "%d turns, current phase %s\n", len(turns), phaseBadge(p))
			return nil
		},
	}
}
