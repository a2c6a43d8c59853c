package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// ElasticsearchSink writes batches via the bulk API, one document per
// entry, indexed under the configured index name.
type ElasticsearchSink struct {
	client *elasticsearch.Client
	index  string
}

// NewElasticsearchSink creates a client for the given addresses and
// target index.
func NewElasticsearchSink(addresses []string, index string) (*ElasticsearchSink, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: addresses})
	if err != nil {
		return nil, fmt.Errorf("audit: creating elasticsearch client: %w", err)
	}
	return &ElasticsearchSink{client: client, index: index}, nil
}

type esDocument struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Message   string    `json:"message"`
	Subject   string    `json:"subject,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	TenantID  string    `json:"tenant_id,omitempty"`
}

// WriteBatch submits a single bulk request covering every entry.
func (s *ElasticsearchSink) WriteBatch(entries []Event) error {
	if len(entries) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, e := range entries {
		meta := map[string]map[string]string{"index": {"_index": s.index}}
		metaBytes, _ := json.Marshal(meta)
		buf.Write(metaBytes)
		buf.WriteByte('\n')

		doc := esDocument{
			Timestamp: e.Timestamp,
			Action:    e.Action,
			Message:   e.Message,
			Subject:   e.Subject,
			Outcome:   e.Outcome,
			TenantID:  e.TenantID,
		}
		docBytes, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("audit: marshaling elasticsearch document: %w", err)
		}
		buf.Write(docBytes)
		buf.WriteByte('\n')
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := esapi.BulkRequest{Body: strings.NewReader(buf.String())}
	resp, err := req.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("audit: elasticsearch bulk request: %w", err)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return fmt.Errorf("audit: elasticsearch bulk response status %s", resp.Status())
	}
	return nil
}

// Close is a no-op: the elasticsearch client has no persistent
// connection to release.
func (s *ElasticsearchSink) Close() error {
	return nil
}
