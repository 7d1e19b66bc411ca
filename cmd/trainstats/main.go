// Command trainstats summarises the parquet transition archive written by
// breadbot: reward and bread per training step, and how often each action
// was chosen.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/brensch/breadrl/game"
)

func main() {
	archiveDir := flag.String("archive-dir", "archive", "Directory holding batch_*.parquet files")
	xlsxPath := flag.String("xlsx", "", "Also write the report to this .xlsx file")
	flag.Parse()

	ctx := context.Background()
	db, err := openArchive(*archiveDir)
	if err != nil {
		log.Fatalf("Failed to open archive: %v", err)
	}
	defer db.Close()

	steps, err := queryStepStats(ctx, db)
	if err != nil {
		log.Fatalf("Failed to query steps: %v", err)
	}
	actions, err := queryActionCounts(ctx, db)
	if err != nil {
		log.Fatalf("Failed to query actions: %v", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTEP\tROWS\tMEAN REWARD\tTOTAL REWARD\tMEAN BREAD\tMAX BREAD\tTOP ACTION")
	for _, s := range steps {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.4f\t%.1f\t%.2f\t%.0f\t%s\n",
			s.RunID, s.TrainStep, s.Rows, s.MeanReward, s.TotalReward, s.MeanScore, s.MaxScore, game.Action(s.TopAction))
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "ACTION\tCOUNT")
	for _, a := range actions {
		fmt.Fprintf(tw, "%s\t%d\n", game.Action(a.Action), a.Count)
	}
	_ = tw.Flush()

	if *xlsxPath != "" {
		if err := writeWorkbook(*xlsxPath, steps, actions); err != nil {
			log.Fatalf("Failed to write workbook: %v", err)
		}
		log.Printf("Wrote %s (%d steps)", *xlsxPath, len(steps))
	}
}
