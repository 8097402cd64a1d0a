package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/daviddao/tagrti/pkg/model"
	"github.com/daviddao/tagrti/pkg/store"
)

const defaultJournal = "rti-journal.db"

func openJournal(path string) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no journal at %q: %w", path, err)
	}
	return store.New(path)
}

func cmdJournal(args []string) int {
	flags := flag.NewFlagSet("journal", flag.ContinueOnError)
	db := flags.String("db", envOr("RTI_JOURNAL_PATH", defaultJournal), "journal database")
	runID := flags.String("run", "", "run ID (default: latest run)")
	since := flags.Int64("since", 0, "fetch events with id > this")
	limit := flags.Int("limit", 100, "max events to return")
	kind := flags.String("kind", "", "filter by event kind")
	federate := flags.Int("federate", -1, "only events involving this federate")
	absolute := flags.Bool("absolute", false, "print tags as absolute times")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	s, err := openJournal(*db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rti: journal: %v\n", err)
		return 1
	}
	defer s.Close()

	var run *model.Run
	if *runID != "" {
		run, err = s.GetRun(*runID)
	} else {
		run, err = s.LatestRun()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "rti: journal: no such run: %v\n", err)
		return 1
	}

	f := store.EventFilter{SinceID: *since, Kind: model.EventKind(*kind), Limit: *limit}
	if *federate >= 0 {
		f.Federate = federate
	}
	events, err := s.ListEvents(run.ID, f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rti: journal: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(map[string]any{"run": run, "events": events, "count": len(events)})
		return 0
	}
	start := run.StartTime
	if *absolute {
		start = 0
	}
	printRun(os.Stdout, run, s.CountEvents(run.ID))
	if len(events) == 0 {
		fmt.Println("no events")
		return 0
	}
	for _, e := range events {
		printEvent(os.Stdout, e, start)
	}
	return 0
}

func cmdRuns(args []string) int {
	flags := flag.NewFlagSet("runs", flag.ContinueOnError)
	db := flags.String("db", envOr("RTI_JOURNAL_PATH", defaultJournal), "journal database")
	limit := flags.Int("limit", 20, "max runs to list")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	s, err := openJournal(*db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rti: runs: %v\n", err)
		return 1
	}
	defer s.Close()

	runs, err := s.ListRuns(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rti: runs: %v\n", err)
		return 1
	}
	if *jsonOut {
		printJSON(map[string]any{"runs": runs, "count": len(runs)})
		return 0
	}
	if len(runs) == 0 {
		fmt.Println("no runs")
		return 0
	}
	for i := range runs {
		printRun(os.Stdout, &runs[i], s.CountEvents(runs[i].ID))
	}
	return 0
}

func printRun(w io.Writer, r *model.Run, events int64) {
	stop := "none"
	if r.StopTag != nil {
		stop = r.StopTag.Elapsed(r.StartTime).String()
	}
	fmt.Fprintf(w, "run %s  federation=%q federates=%d start=%d stop=%s events=%d  %s\n",
		r.ID, r.FederationID, r.NumFederates, r.StartTime, stop, events,
		r.CreatedAt.Format("2006-01-02 15:04:05"))
}

// printEvent prints one journal entry. Tags are shown relative to start.
func printEvent(w io.Writer, e model.Event, start int64) {
	t := e.Tag.Elapsed(start)
	switch e.Kind {
	case model.EventRelay, model.EventPortAbsent:
		fmt.Fprintf(w, "[%d] %s %d -> %d at %s %s\n", e.ID, e.Kind, e.Peer, e.Federate, t, e.Body)
	case model.EventDrop, model.EventAnomaly:
		fmt.Fprintf(w, "[%d] %s %d -> %d at %s: %s\n", e.ID, e.Kind, e.Peer, e.Federate, t, e.Body)
	case model.EventConnect:
		fmt.Fprintf(w, "[%d] federate %d connected %s\n", e.ID, e.Federate, e.Body)
	case model.EventResign, model.EventDisconnect:
		fmt.Fprintf(w, "[%d] federate %d %s\n", e.ID, e.Federate, e.Kind)
	case model.EventStartTime:
		fmt.Fprintf(w, "[%d] federate %d start time %d\n", e.ID, e.Federate, e.Tag.Time)
	default:
		fmt.Fprintf(w, "[%d] federate %d %s %s\n", e.ID, e.Federate, e.Kind, t)
	}
}
