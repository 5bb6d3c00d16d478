package extract_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/extract"
	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/hubspot"
	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/sink"
	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/watermark"
)

// =====================================================
// TEST HARNESS
// A fake portal serves the token grant plus whatever API paths a test
// registers; the harness wires real extractor dependencies against it with
// a local object store and an in-memory watermark store.
// =====================================================

type fakePortal struct {
	mux *http.ServeMux
	srv *httptest.Server

	// denyToken makes the grant endpoint answer 403, simulating a revoked
	// refresh credential.
	denyToken atomic.Bool

	mu    sync.Mutex
	calls map[string]int
}

func newFakePortal(t *testing.T) *fakePortal {
	t.Helper()
	f := &fakePortal{mux: http.NewServeMux(), calls: make(map[string]int)}
	f.mux.HandleFunc("/oauth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		if f.denyToken.Load() {
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, `{"status":"error","message":"bad credentials"}`)
			return
		}
		writeJSON(w, map[string]any{"access_token": "test-token", "expires_in": 1800})
	})
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls[r.URL.Path]++
		f.mu.Unlock()
		f.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakePortal) handle(path string, h http.HandlerFunc) {
	f.mux.HandleFunc(path, h)
}

func (f *fakePortal) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

type harness struct {
	portal *fakePortal
	store  *sink.LocalStore
	marks  watermark.Store
	cfg    extract.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	portal := newFakePortal(t)

	tokens := hubspot.NewTokenProvider(&hubspot.TokenProviderConfig{
		BaseURL: portal.srv.URL,
		Credential: hubspot.Credential{
			ClientID:     "test-client",
			ClientSecret: "test-secret",
			RefreshToken: "test-refresh",
		},
		Cache: true,
	})
	client := hubspot.NewClient(&hubspot.ClientConfig{
		BaseURL:   portal.srv.URL,
		Tokens:    tokens,
		RateLimit: 1000,
		RateBurst: 100,
		Logger:    quietLogger(),
	})
	pager := hubspot.NewPaginator(client, &hubspot.PaginatorConfig{Logger: quietLogger()})

	store := sink.NewLocalStore(t.TempDir())
	bronze, err := sink.NewBronze(context.Background(), sink.BronzeConfig{
		Store:  store,
		Bucket: "lake",
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewBronze failed: %v", err)
	}

	marks := watermark.NewMemoryStore()
	return &harness{
		portal: portal,
		store:  store,
		marks:  marks,
		cfg: extract.Config{
			Client:     client,
			Paginator:  pager,
			Sink:       bronze,
			Watermarks: marks,
			Logger:     quietLogger(),
		},
	}
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// landedKeys lists the object keys written for one entity, sorted.
func landedKeys(t *testing.T, h *harness, entity string) []string {
	t.Helper()
	keys, err := h.store.ListPrefix(context.Background(), "lake", "bronze/hubspot/"+entity+"/")
	if err != nil {
		t.Fatalf("ListPrefix failed: %v", err)
	}
	sort.Strings(keys)
	return keys
}

// landedRows decodes every jsonl.gz part written for one entity.
func landedRows(t *testing.T, h *harness, entity string) []map[string]any {
	t.Helper()
	var rows []map[string]any
	for _, key := range landedKeys(t, h, entity) {
		data, err := h.store.GetObject(context.Background(), "lake", key)
		if err != nil {
			t.Fatalf("GetObject(%s) failed: %v", key, err)
		}
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("gunzip %s: %v", key, err)
		}
		dec := json.NewDecoder(gz)
		for {
			var row map[string]any
			if err := dec.Decode(&row); err == io.EOF {
				break
			} else if err != nil {
				t.Fatalf("decode %s: %v", key, err)
			}
			rows = append(rows, row)
		}
		gz.Close()
	}
	return rows
}

// mustGet resolves a built-in registry entity.
func mustGet(t *testing.T, name string) extract.Entity {
	t.Helper()
	e, ok := extract.DefaultRegistry().Get(name)
	if !ok {
		t.Fatalf("entity %s not in default registry", name)
	}
	return e
}

// failingSink refuses every write, standing in for an unreachable store.
type failingSink struct{ err error }

func (s *failingSink) Write(context.Context, *sink.WriteRequest) (*sink.WriteResult, error) {
	return nil, s.err
}
