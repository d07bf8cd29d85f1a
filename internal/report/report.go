// Package report renders datasets and manual-mode reviews for analysts.
package report

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"deepcase/internal/interpreter"
	"deepcase/internal/sequence"
)

// ShowSequences prints one row per window: the decoded context, the target
// event and its label. Padding ids are left blank.
func ShowSequences(w io.Writer, contexts [][]int, targets, labels []int, vocab *sequence.Vocabulary, noEvent int) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tCONTEXT\tEVENT\tLABEL")
	for i, ctx := range contexts {
		parts := vocab.DecodeAll(ctx)
		for j, id := range ctx {
			if id == noEvent {
				parts[j] = "-"
			}
		}
		event, ok := vocab.Decode(targets[i])
		if !ok {
			event = "UNKNOWN"
		}
		label := "-"
		if i < len(labels) && labels[i] >= 0 {
			label = fmt.Sprint(labels[i])
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i, strings.Join(parts, " "), event, label)
	}
	return tw.Flush()
}

// WriteReview prints the manual-mode work list: one block per cluster with
// its member events, then the unclustered events.
func WriteReview(w io.Writer, r *interpreter.Review, ds *sequence.Dataset) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, g := range r.Groups {
		state := "unlabeled"
		if g.Cluster.Labeled {
			state = fmt.Sprintf("score=%g", g.Cluster.Score)
			if g.Cluster.Label != "" {
				state += " " + g.Cluster.Label
			}
		}
		fmt.Fprintf(tw, "CLUSTER %d\t%d events\t%s\n", g.Cluster.ID, len(g.Members), state)
		writeMembers(tw, g.Members, r, ds)
	}
	if len(r.Unclustered) > 0 {
		fmt.Fprintf(tw, "UNCLUSTERED\t%d events\t\n", len(r.Unclustered))
		writeMembers(tw, r.Unclustered, r, ds)
	}
	return tw.Flush()
}

func writeMembers(tw io.Writer, members []int, r *interpreter.Review, ds *sequence.Dataset) {
	for _, i := range members {
		ev := ds.Events[i]
		o := r.Outcomes[i]
		fmt.Fprintf(tw, "  %d\t%s\t%s\tconfidence=%.3f\t%s\n", i, ev.Entity, ev.Type, o.Confidence, o.Reason)
	}
}
