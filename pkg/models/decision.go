package models

// Decision statuses.
const (
	StatusAuto     = "auto"
	StatusDeferred = "deferred"
	StatusReview   = "review"
)

// Decision is the per-event outcome of a manual or automatic run.
type Decision struct {
	DecisionID string   `json:"decision_id"`
	ModelID    string   `json:"model_id"`
	Index      int      `json:"index"`
	Entity     string   `json:"entity,omitempty"`
	Timestamp  float64  `json:"ts"`
	Event      string   `json:"event"`
	Context    []string `json:"context,omitempty"`
	Cluster    int      `json:"cluster"`
	Confidence float64  `json:"confidence"`
	Score      float64  `json:"score"`
	Status     string   `json:"status"`
	Reason     string   `json:"reason,omitempty"`
	Severity   string   `json:"severity,omitempty"`
}
