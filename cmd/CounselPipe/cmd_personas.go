package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/CounselPipe/internal/persona"
)

func newPersonasCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "personas",
		Short: "List or seed counseling personas",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List personas in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, c.cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			personas, err := a.store.ListPersonas(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(personas) == 0 {
				fmt.Fprintln(out, mutedStyle.Render("No personas stored. Run 'CounselPipe personas seed'."))
				return nil
			}
			for _, p := range personas {
				state := aiStyle.Render("active")
				if !p.Active {
					state = mutedStyle.Render("inactive")
				}
				fmt.Fprintf(out, "%s  %s  %s\n", titleStyle.Render(p.ID), state, p.Name)
			}
			return nil
		},
	}

	var file string
	seed := &cobra.Command{
		Use:   "seed",
		Short: "Load the persona catalog into the store",
		Long: `Load personas from a YAML catalog (--file, $PERSONAS_FILE, or the built-in catalog)
and upsert them into the store. Existing personas keep their creation time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := c.cfg.PersonasFile
			if cmd.Flags().Changed("file") {
				path = file
			}
			catalog, err := persona.LoadFile(path)
			if err != nil {
				return err
			}
			a, err := openApp(ctx, c.cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := persona.Seed(ctx, a.store, catalog, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d personas\n", n)
			return nil
		},
	}
	seed.Flags().StringVar(&file, "file", "", "persona catalog YAML (overrides $PERSONAS_FILE)")

	cmd.AddCommand(list, seed)
	return cmd
}
