// Package elastictest provides an in-memory stand-in for the target store
// that speaks just enough of its HTTP protocol for the pipeline's tests.
package elastictest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
)

// ItemFailure makes the bulk handler reject one document.
type ItemFailure struct {
	Type   string
	Reason string
}

// Server is a fake cluster holding documents by id.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	Docs      map[string]map[string]any
	Settings  []string // "target=value" in call order
	Refreshes []string
	Requests  []string // "METHOD path" in call order
	BulkCalls int
	BulkDocs  []int // documents per bulk call
	Pipelines []string

	Templates      map[string]json.RawMessage
	IngestPipes    map[string]json.RawMessage
	Indices        map[string]bool
	AliasActions   []json.RawMessage
	HealthStatus   string
	ExistingIndex  map[string]bool
	SettingsStatus int

	// Fault injection.
	BulkStatus     int                          // non-zero: answer every bulk with this status
	FailItem       func(id string) *ItemFailure // per-item rejection
	DropLastItem   bool                         // answer with one item fewer than sent
	ErrorsNoDetail bool                         // errors=true without any item error
	EmptyBulkBody  bool
}

// NewServer starts a fake cluster closed automatically with the test.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		Docs:          map[string]map[string]any{},
		Templates:     map[string]json.RawMessage{},
		IngestPipes:   map[string]json.RawMessage{},
		Indices:       map[string]bool{},
		ExistingIndex: map[string]bool{},
		HealthStatus:  "green",
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Server.Close)
	return s
}

// Count returns the number of stored documents.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Docs)
}

// Put stores a document directly, bypassing the bulk endpoint.
func (s *Server) Put(id string, doc map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Docs[id] = doc
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Requests = append(s.Requests, r.Method+" "+r.URL.Path)
	body, _ := io.ReadAll(r.Body)
	path := strings.Trim(r.URL.Path, "/")
	parts := strings.Split(path, "/")

	switch {
	case r.Method == http.MethodPost && path == "_bulk":
		s.bulk(w, r, body)
	case r.Method == http.MethodGet && path == "_cluster/health":
		writeJSON(w, http.StatusOK, map[string]any{"status": s.HealthStatus, "number_of_nodes": 1, "active_shards": len(s.Indices)})
	case r.Method == http.MethodPut && len(parts) == 2 && parts[0] == "_index_template":
		s.Templates[parts[1]] = body
		writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
	case r.Method == http.MethodPut && len(parts) == 3 && parts[0] == "_ingest" && parts[1] == "pipeline":
		s.IngestPipes[parts[2]] = body
		writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
	case r.Method == http.MethodPost && path == "_aliases":
		s.AliasActions = append(s.AliasActions, body)
		writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
	case r.Method == http.MethodPut && len(parts) == 2 && parts[1] == "_settings":
		if s.SettingsStatus != 0 {
			writeJSON(w, s.SettingsStatus, map[string]any{"error": "settings rejected"})
			return
		}
		var req struct {
			Index struct {
				RefreshInterval string `json:"refresh_interval"`
			} `json:"index"`
		}
		_ = json.Unmarshal(body, &req)
		s.Settings = append(s.Settings, parts[0]+"="+req.Index.RefreshInterval)
		writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
	case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "_refresh":
		s.Refreshes = append(s.Refreshes, parts[0])
		writeJSON(w, http.StatusOK, map[string]any{"_shards": map[string]int{"failed": 0}})
	case r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "_count":
		writeJSON(w, http.StatusOK, map[string]any{"count": len(s.Docs)})
	case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "_search":
		s.search(w, body)
	case r.Method == http.MethodPut && len(parts) == 1:
		if s.Indices[parts[0]] || s.ExistingIndex[parts[0]] {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": map[string]any{"type": "resource_already_exists_exception"},
			})
			return
		}
		s.Indices[parts[0]] = true
		writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true, "index": parts[0]})
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no handler for " + r.Method + " " + r.URL.Path})
	}
}

func (s *Server) bulk(w http.ResponseWriter, r *http.Request, body []byte) {
	s.BulkCalls++
	s.Pipelines = append(s.Pipelines, r.URL.Query().Get("pipeline"))

	if s.BulkStatus != 0 {
		writeJSON(w, s.BulkStatus, map[string]any{"error": "bulk rejected"})
		return
	}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-ndjson") {
		writeJSON(w, http.StatusNotAcceptable, map[string]any{"error": "expected ndjson"})
		return
	}

	type pair struct {
		id  string
		doc map[string]any
	}
	var pairs []pair
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 8<<20)
	var pending *pair
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if pending == nil {
			var action map[string]struct {
				Index string `json:"_index"`
				ID    string `json:"_id"`
			}
			if err := json.Unmarshal(line, &action); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
				return
			}
			pending = &pair{id: action["index"].ID}
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(line, &doc); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		pending.doc = doc
		pairs = append(pairs, *pending)
		pending = nil
	}
	s.BulkDocs = append(s.BulkDocs, len(pairs))

	if s.EmptyBulkBody {
		w.WriteHeader(http.StatusOK)
		return
	}

	items := make([]map[string]any, 0, len(pairs))
	hasErrors := s.ErrorsNoDetail
	for _, p := range pairs {
		if s.FailItem != nil {
			if f := s.FailItem(p.id); f != nil {
				hasErrors = true
				items = append(items, map[string]any{"index": map[string]any{
					"_id": p.id, "status": 400,
					"error": map[string]any{"type": f.Type, "reason": f.Reason},
				}})
				continue
			}
		}
		result, status := "created", http.StatusCreated
		if _, ok := s.Docs[p.id]; ok {
			result, status = "updated", http.StatusOK
		}
		s.Docs[p.id] = p.doc
		items = append(items, map[string]any{"index": map[string]any{"_id": p.id, "status": status, "result": result}})
	}
	if s.DropLastItem && len(items) > 0 {
		items = items[:len(items)-1]
	}
	writeJSON(w, http.StatusOK, map[string]any{"took": 1, "errors": hasErrors, "items": items})
}

func (s *Server) search(w http.ResponseWriter, body []byte) {
	var q struct {
		Size *int `json:"size"`
		Aggs map[string]struct {
			Terms *struct {
				Field string `json:"field"`
			} `json:"terms"`
			Avg *struct {
				Field string `json:"field"`
			} `json:"avg"`
		} `json:"aggs"`
	}
	if err := json.Unmarshal(body, &q); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	ids := make([]string, 0, len(s.Docs))
	for id := range s.Docs {
		ids = append(ids, id)
	}
	// Newest timestamp first, the only sort the pipeline asks for.
	sort.Slice(ids, func(i, j int) bool {
		ti := fmt.Sprint(s.Docs[ids[i]]["timestamp"])
		tj := fmt.Sprint(s.Docs[ids[j]]["timestamp"])
		if ti != tj {
			return ti > tj
		}
		return ids[i] < ids[j]
	})
	size := 10
	if q.Size != nil {
		size = *q.Size
	}
	if size < len(ids) {
		ids = ids[:size]
	}
	hits := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		hits = append(hits, map[string]any{"_id": id, "_source": s.Docs[id]})
	}

	aggs := map[string]any{}
	for name, a := range q.Aggs {
		switch {
		case a.Terms != nil:
			counts := map[string]int{}
			for _, d := range s.Docs {
				if v, ok := d[a.Terms.Field]; ok && v != nil {
					counts[fmt.Sprint(v)]++
				}
			}
			keys := make([]string, 0, len(counts))
			for k := range counts {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			buckets := make([]map[string]any, 0, len(keys))
			for _, k := range keys {
				buckets = append(buckets, map[string]any{"key": k, "doc_count": counts[k]})
			}
			aggs[name] = map[string]any{"buckets": buckets}
		case a.Avg != nil:
			var sum float64
			var n int
			for _, d := range s.Docs {
				if v, ok := d[a.Avg.Field].(float64); ok {
					sum += v
					n++
				}
			}
			var value any
			if n > 0 {
				value = sum / float64(n)
			}
			aggs[name] = map[string]any{"value": value}
		}
	}

	resp := map[string]any{
		"hits": map[string]any{
			"total": map[string]any{"value": len(s.Docs)},
			"hits":  hits,
		},
	}
	if len(q.Aggs) > 0 {
		resp["aggregations"] = aggs
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
