package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"offline0/internal/offline0"
)

func init() {
	rootCmd.AddCommand(cachesCmd)
}

var cachesCmd = &cobra.Command{
	Use:   "caches",
	Short: "List cache stores and their entry counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		svc, err := offline0.NewService(cfg)
		if err != nil {
			return fmt.Errorf("init service: %w", err)
		}
		defer svc.Close()

		caches, err := svc.Caches(cmd.Context())
		if err != nil {
			return err
		}
		if len(caches) == 0 {
			fmt.Println("No caches.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tENTRIES\tCURRENT")
		for _, c := range caches {
			current := ""
			if c.Current {
				current = "*"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\n", c.Name, c.Entries, current)
		}
		return w.Flush()
	},
}
