package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/meshline/internal/store"
	"github.com/andresmejia3/meshline/internal/utils"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var facesCmd = &cobra.Command{
	Use:   "faces <session_id>",
	Short: "Show the faces tracked during a recorded session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		id, err := uuid.Parse(args[0])
		if err != nil {
			utils.ShowError("Invalid session ID", err, nil)
			return err
		}
		if err := connectDB(ctx); err != nil {
			utils.ShowError("Database unavailable", err, nil)
			return err
		}

		session, err := DB.GetSession(ctx, id)
		if errors.Is(err, store.ErrSessionNotFound) {
			fmt.Printf("❌ No session %s in database.\n", id)
			return nil
		}
		if err != nil {
			utils.ShowError("Failed to retrieve session", err, nil)
			return err
		}
		intervals, err := DB.ListIntervals(ctx, id)
		if err != nil {
			utils.ShowError("Failed to retrieve faces", err, nil)
			return err
		}
		if len(intervals) == 0 {
			fmt.Println("No faces were tracked in this session.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "FACE\tFRAMES\tTIME RANGE\tDETECTIONS")
		fmt.Fprintln(w, "----\t------\t----------\t----------")
		for _, iv := range intervals {
			fmt.Fprintf(w, "%d\t%d-%d\t%s - %s\t%d\n",
				iv.SessionFaceID, iv.FirstSequence, iv.LastSequence,
				fmtSequence(iv.FirstSequence, session.FPS), fmtSequence(iv.LastSequence, session.FPS),
				iv.Detections)
		}
		w.Flush()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(facesCmd)
}
