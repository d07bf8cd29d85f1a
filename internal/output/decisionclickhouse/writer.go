package decisionclickhouse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"deepcase/pkg/models"
)

// Config configures the ClickHouse HTTP writer.
type Config struct {
	URL      string
	Database string
	Table    string
	Username string
	Password string
	Timeout  time.Duration
	Headers  map[string]string
}

// Writer inserts decisions into ClickHouse via HTTP JSONEachRow.
type Writer struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
}

// row is the table layout; ts is unix seconds.
type row struct {
	DecisionID string   `json:"decision_id"`
	ModelID    string   `json:"model_id"`
	Index      int      `json:"idx"`
	Entity     string   `json:"entity"`
	Timestamp  float64  `json:"ts"`
	Event      string   `json:"event"`
	Context    []string `json:"context"`
	Cluster    int      `json:"cluster"`
	Confidence float64  `json:"confidence"`
	Score      float64  `json:"score"`
	Status     string   `json:"status"`
	Reason     string   `json:"reason"`
	Severity   string   `json:"severity"`
}

// NewWriter creates a ClickHouse HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("clickhouse URL is empty")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Table == "" {
		cfg.Table = "decisions"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	q := fmt.Sprintf("INSERT INTO %s.%s FORMAT JSONEachRow", quoteIdent(cfg.Database), quoteIdent(cfg.Table))
	endpoint := strings.TrimRight(cfg.URL, "/") + "/?query=" + url.QueryEscape(q)

	headers := make(map[string]string, len(cfg.Headers)+2)
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.Username != "" {
		headers["X-ClickHouse-User"] = cfg.Username
	}
	if cfg.Password != "" {
		headers["X-ClickHouse-Key"] = cfg.Password
	}

	return &Writer{
		endpoint: endpoint,
		headers:  headers,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// WriteDecisions inserts a batch of decisions.
func (w *Writer) WriteDecisions(decisions []*models.Decision) error {
	if len(decisions) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, d := range decisions {
		r := row{
			DecisionID: d.DecisionID,
			ModelID:    d.ModelID,
			Index:      d.Index,
			Entity:     d.Entity,
			Timestamp:  d.Timestamp,
			Event:      d.Event,
			Context:    d.Context,
			Cluster:    d.Cluster,
			Confidence: d.Confidence,
			Score:      d.Score,
			Status:     d.Status,
			Reason:     d.Reason,
			Severity:   d.Severity,
		}
		if r.Context == nil {
			r.Context = []string{}
		}
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to marshal decision: %w", err)
		}
	}

	req, err := http.NewRequest(http.MethodPost, w.endpoint, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("clickhouse request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("clickhouse request failed with status %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// Close releases resources.
func (w *Writer) Close() error {
	return nil
}

func quoteIdent(v string) string {
	if v == "" {
		return ""
	}
	return "`" + strings.ReplaceAll(v, "`", "") + "`"
}
