package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newImpactCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "impact",
		Short: "Print the impact report of the latest published run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDB(a.cfg.Data.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			snap, err := db.Latest(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Run %s (%s, %d readings)\n", snap.Run.ID, snap.Run.FinishedAt.Format("2006-01-02 15:04"), snap.Run.Rows)
			for _, line := range snap.Impact.Summary() {
				fmt.Fprintln(w, line)
			}
			return nil
		},
	}
}
