package interpreter

import (
	"fmt"
	"math"

	"deepcase/internal/errs"
	"deepcase/pkg/models"
)

// Assignment is an analyst label for one cluster.
type Assignment struct {
	Score float64 `json:"score"`
	Text  string  `json:"text,omitempty"`
}

// Label marks a cluster as analyst-labeled with the given risk score.
func (in *Interpreter) Label(clusterID int, score float64, text string) error {
	return in.ApplyLabels(map[int]Assignment{clusterID: {Score: score, Text: text}})
}

// ApplyLabels labels several clusters at once and overrides the member
// scores of each labeled cluster. Nothing is applied when any cluster id or
// score is invalid.
func (in *Interpreter) ApplyLabels(labels map[int]Assignment) error {
	for id, a := range labels {
		if id < 0 || id >= len(in.clusters) {
			return fmt.Errorf("%w: cluster %d (have %d)", errs.ErrUnknownCluster, id, len(in.clusters))
		}
		if !labeled(a.Score) || math.IsInf(a.Score, 0) {
			return fmt.Errorf("%w: cluster %d score %v must be a finite value >= 0", errs.ErrMalformedInput, id, a.Score)
		}
	}
	for id, a := range labels {
		c := &in.clusters[id]
		c.Score = a.Score
		c.Label = a.Text
		c.Labeled = true
		for i := range in.points {
			if in.points[i].Cluster == id {
				in.points[i].Score = a.Score
			}
		}
	}
	return nil
}

// Outcome is the decision taken for one prediction.
type Outcome struct {
	Index      int     `json:"index"`
	Cluster    int     `json:"cluster"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Status     string  `json:"status"`
	Reason     string  `json:"reason,omitempty"`
	Severity   string  `json:"severity"`
}

// ReviewGroup is one cluster with the inputs predicted into it.
type ReviewGroup struct {
	Cluster Cluster `json:"cluster"`
	Members []int   `json:"members"`
}

// Review is the manual-mode work list.
type Review struct {
	Groups      []ReviewGroup `json:"groups"`
	Unclustered []int         `json:"unclustered"`
	Outcomes    []Outcome     `json:"outcomes"`
}

// Review groups predictions per cluster for an analyst. No decision is
// applied: every outcome has status review.
func (in *Interpreter) Review(preds []Prediction) *Review {
	r := &Review{Outcomes: make([]Outcome, len(preds))}
	byCluster := make(map[int]int)
	for i, p := range preds {
		r.Outcomes[i] = outcome(i, p, models.StatusReview)
		if p.Cluster == NoCluster {
			r.Unclustered = append(r.Unclustered, i)
			continue
		}
		g, ok := byCluster[p.Cluster]
		if !ok {
			c, _ := in.Cluster(p.Cluster)
			g = len(r.Groups)
			byCluster[p.Cluster] = g
			r.Groups = append(r.Groups, ReviewGroup{Cluster: c})
		}
		r.Groups[g].Members = append(r.Groups[g].Members, i)
	}
	return r
}

// Automatic applies the predicted member score, or the cluster score, to
// confident predictions in labeled clusters and defers everything else.
func (in *Interpreter) Automatic(preds []Prediction) []Outcome {
	out := make([]Outcome, len(preds))
	for i, p := range preds {
		o := outcome(i, p, models.StatusDeferred)
		switch {
		case p.Reason == ReasonUnknownEvent || p.Reason == ReasonNoCluster:
		case p.Confidence < in.cfg.Threshold:
			o.Reason = ReasonLowConfidence
		case p.Cluster == NoCluster:
			o.Reason = ReasonNoCluster
		default:
			c, ok := in.Cluster(p.Cluster)
			if !ok || !c.Labeled {
				o.Reason = ReasonUnlabeledCluster
				break
			}
			score := c.Score
			if labeled(p.Score) {
				score = p.Score
			}
			o.Status = models.StatusAuto
			o.Reason = ""
			o.Score = score
			o.Severity = Severity(score)
		}
		out[i] = o
	}
	return out
}

func outcome(i int, p Prediction, status string) Outcome {
	return Outcome{
		Index:      i,
		Cluster:    p.Cluster,
		Score:      p.Score,
		Confidence: p.Confidence,
		Status:     status,
		Reason:     p.Reason,
		Severity:   Severity(p.Score),
	}
}

// Severity buckets a risk score. Sentinel scores map to "none".
func Severity(score float64) string {
	switch {
	case score >= 4:
		return "critical"
	case score >= 3:
		return "high"
	case score >= 2:
		return "medium"
	case score >= 1:
		return "low"
	case score >= 0:
		return "informational"
	default:
		return "none"
	}
}
