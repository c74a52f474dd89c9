package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/meshline/internal/utils"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded stream sessions",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		if err := connectDB(ctx); err != nil {
			utils.Die("Database unavailable", err, nil)
		}
		sessions, err := DB.ListSessions(ctx)
		if err != nil {
			utils.Die("Failed to list sessions", err, nil)
		}

		if len(sessions) == 0 {
			fmt.Println("No sessions found in database.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tSOURCE\tFORMAT\tFRAMES\tFACES\tSTATE\tSTARTED")
		fmt.Fprintln(w, "--\t------\t------\t------\t-----\t-----\t-------")
		for _, s := range sessions {
			state := s.FinalState
			if state == "" {
				state = "(running)"
			}
			fmt.Fprintf(w, "%s\t%s\t%dx%d@%.0f\t%d\t%d\t%s\t%s\n",
				s.ID, s.Source, s.Width, s.Height, s.FPS, s.Frames, s.Faces, state,
				s.StartedAt.Local().Format("2006-01-02 15:04"))
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}
