package elastic

import (
	"bytes"
	"encoding/json"

	"github.com/i474232898/weather-etl/internal/errs"
)

// Document is one bulk entry: the id taken from doc_id and the record body
// exactly as it was read.
type Document struct {
	ID     string
	Source json.RawMessage
}

type bulkAction struct {
	Index bulkTarget `json:"index"`
}

type bulkTarget struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

// BuildBulkBody encodes docs as alternating index-action and document lines.
// Indexing by explicit _id makes a repeated delivery overwrite in place.
// A document without an id is rejected; nothing is silently dropped.
func BuildBulkBody(target string, docs []Document) ([]byte, error) {
	var buf bytes.Buffer
	for i, d := range docs {
		if d.ID == "" {
			return nil, &errs.ValidationError{
				Reason: "missing doc_id",
				Record: errs.Truncate(string(d.Source), 200),
				Line:   i + 1,
			}
		}
		action, err := json.Marshal(bulkAction{Index: bulkTarget{Index: target, ID: d.ID}})
		if err != nil {
			return nil, err
		}
		buf.Write(action)
		buf.WriteByte('\n')

		if err := json.Compact(&buf, d.Source); err != nil {
			return nil, &errs.ValidationError{Reason: "document is not valid JSON: " + err.Error(), Line: i + 1}
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// BulkResponse is the subset of the bulk answer the loader relies on.
type BulkResponse struct {
	Took   int                         `json:"took"`
	Errors bool                        `json:"errors"`
	Items  []map[string]BulkItemResult `json:"items"`
}

// BulkItemResult is the per-item outcome keyed by action name in Items.
type BulkItemResult struct {
	Index  string           `json:"_index"`
	ID     string           `json:"_id"`
	Status int              `json:"status"`
	Result string           `json:"result"`
	Error  *BulkItemFailure `json:"error,omitempty"`
}

// BulkItemFailure is the store's error object for one item.
type BulkItemFailure struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

const (
	reasonEmptyResponse = "empty response"
	reasonNoItemError   = "errors=true but no item error found"
)

// ParseBulkResponse interprets a 2xx bulk answer. It returns the decoded
// response when the batch succeeded outright. With errors=true it returns a
// *errs.BatchItemError for the first item carrying an error object, or a
// *errs.ProtocolMismatchError when none does. An empty body is also a
// protocol mismatch.
func ParseBulkResponse(body []byte) (*BulkResponse, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, &errs.ProtocolMismatchError{Reason: reasonEmptyResponse}
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, &errs.ProtocolMismatchError{Reason: "undecodable response: " + err.Error()}
	}
	if len(probe) == 0 {
		return nil, &errs.ProtocolMismatchError{Reason: reasonEmptyResponse}
	}

	var resp BulkResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, &errs.ProtocolMismatchError{Reason: "undecodable response: " + err.Error()}
	}
	if !resp.Errors {
		return &resp, nil
	}

	for i, item := range resp.Items {
		for _, r := range item {
			if r.Error != nil {
				return nil, &errs.BatchItemError{
					Item:   i,
					DocID:  r.ID,
					Status: r.Status,
					Type:   r.Error.Type,
					Reason: r.Error.Reason,
				}
			}
		}
	}
	return nil, &errs.ProtocolMismatchError{Reason: reasonNoItemError}
}
