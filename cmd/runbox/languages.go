package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "List supported languages",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		defaultTimeout := a.Service.Limits().Timeout
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tFILE\tIMAGE\tTIMEOUT")
		for _, c := range a.Service.Languages() {
			timeout := defaultTimeout
			if c.Timeout > 0 {
				timeout = c.Timeout
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.Name, c.FileName, c.Image, timeout)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(languagesCmd)
}
