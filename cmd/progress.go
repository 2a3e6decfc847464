package main

import (
	"fmt"
	"os"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"

	"github.com/sells-group/opportunity-radar/internal/pipeline"
)

// renderRun consumes a pipeline event stream with a progress bar and prints
// the final summary. Returns the terminal event.
func renderRun(events <-chan pipeline.Event) pipeline.DoneEvent {
	var bar *pb.ProgressBar
	var done pipeline.DoneEvent

	for ev := range events {
		switch e := ev.(type) {
		case pipeline.StartEvent:
			if e.EstimatedCostCents > 0 {
				fmt.Fprintf(os.Stderr, "processing %s listings (~%s)\n",
					humanize.Comma(int64(e.Total)), centsLabel(e.EstimatedCostCents))
			} else {
				fmt.Fprintf(os.Stderr, "processing %s listings\n", humanize.Comma(int64(e.Total)))
			}
			bar = pb.StartNew(e.Total)

		case pipeline.BatchDoneEvent:
			if bar != nil {
				bar.Add(len(e.Items))
			}
			for _, item := range e.Items {
				if item.Status == "error" {
					fmt.Fprintf(os.Stderr, "  listing %d: %s\n", item.ID, item.Error)
				}
			}

		case pipeline.ItemDoneEvent:
			if bar != nil {
				bar.Increment()
			}
			if e.Status == "error" {
				fmt.Fprintf(os.Stderr, "  %s: %s\n", e.Title, e.Error)
			}

		case pipeline.FatalErrorEvent:
			if bar != nil {
				bar.Finish()
				bar = nil
			}
			fmt.Fprintf(os.Stderr, "fatal (%s): %s (%d processed, %d skipped)\n",
				e.ErrorType, e.Message, e.Processed, e.Skipped)

		case pipeline.DoneEvent:
			if bar != nil {
				bar.Finish()
			}
			done = e
		}
	}
	return done
}

func printRunSummary(done pipeline.DoneEvent) {
	if done.Message != "" {
		fmt.Println(done.Message)
		return
	}
	status := "completed"
	if done.Aborted {
		status = "aborted"
	}
	fmt.Printf("%s: %d succeeded, %d failed\n", status, done.Succeeded, done.Failed)
	fmt.Printf("tokens: %s in / %s out, cost %s\n",
		humanize.Comma(done.Tokens.Input),
		humanize.Comma(done.Tokens.Output),
		centsLabel(done.CostCents),
	)
	if done.RunID != "" {
		fmt.Printf("run: %s\n", done.RunID)
	}
}

func centsLabel(cents int) string {
	return fmt.Sprintf("$%.2f", float64(cents)/100)
}
