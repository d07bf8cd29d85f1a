package models

// Tag is a detection rule match on a raw record.
type Tag struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Severity  string `json:"severity,omitempty"`
	Tactic    string `json:"tactic,omitempty"`
	Technique string `json:"technique,omitempty"`
}

// Key returns the identifier used as event type for the tag.
func (t Tag) Key() string {
	if t.ID != "" {
		return t.ID
	}
	return t.Name
}
