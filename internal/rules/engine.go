package rules

import "deepcase/pkg/models"

// Engine tags raw records with detection rule matches.
type Engine interface {
	Apply(record *models.RawRecord) []models.Tag
}

// NoopEngine returns no tags.
type NoopEngine struct{}

// Apply returns an empty tag list.
func (n *NoopEngine) Apply(record *models.RawRecord) []models.Tag {
	return nil
}

var severityRank = map[string]int{
	"informational": 0,
	"low":           1,
	"medium":        2,
	"high":          3,
	"critical":      4,
}

// SeverityLabel maps a Sigma level to a risk label, or
// models.LabelUnknown for unknown levels.
func SeverityLabel(level string) int {
	if rank, ok := severityRank[level]; ok {
		return rank
	}
	return models.LabelUnknown
}

// Strongest returns the tag with the highest severity, first match winning
// ties. ok is false when tags is empty.
func Strongest(tags []models.Tag) (models.Tag, bool) {
	if len(tags) == 0 {
		return models.Tag{}, false
	}
	best := tags[0]
	for _, t := range tags[1:] {
		if SeverityLabel(t.Severity) > SeverityLabel(best.Severity) {
			best = t
		}
	}
	return best, true
}
