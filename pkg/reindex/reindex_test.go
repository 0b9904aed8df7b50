package reindex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/bifrost/pkg/bferrors"
	"github.com/cuemby/bifrost/pkg/blobstore"
	"github.com/cuemby/bifrost/pkg/entities"
	"github.com/cuemby/bifrost/pkg/textindex"
	"github.com/cuemby/bifrost/pkg/types"
)

func hashOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// fakeBlobs is an in-memory blobstore.Store.
type fakeBlobs struct {
	mu   sync.Mutex
	data map[string]*blobstore.Blob
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{data: map[string]*blobstore.Blob{}} }

func (f *fakeBlobs) Put(ctx context.Context, key string, data []byte, contentType string) (*blobstore.Blob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := &blobstore.Blob{Key: key, Bytes: data, ContentType: contentType, ContentHash: hashOf(data)}
	f.data[key] = b
	return b, nil
}

func (f *fakeBlobs) Get(ctx context.Context, key string) (*blobstore.Blob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[key]
	if !ok {
		return nil, &bferrors.NotFoundError{Key: key}
	}
	return b, nil
}

func (f *fakeBlobs) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeBlobs) List(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *fakeBlobs) PresignedPut(ctx context.Context, key, contentType string, ttlSeconds int) (string, error) {
	return "", nil
}

func (f *fakeBlobs) Close() error { return nil }

// fakeIndex is an in-memory textindex.Index.
type fakeIndex struct {
	mu   sync.Mutex
	rows map[string]textindex.Row
}

func newFakeIndex() *fakeIndex { return &fakeIndex{rows: map[string]textindex.Row{}} }

func (f *fakeIndex) Upsert(ctx context.Context, path, content, contentHash string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[path] = textindex.Row{Path: path, Content: content, ContentHash: contentHash, UpdatedAt: now}
	return nil
}

func (f *fakeIndex) Get(ctx context.Context, path string) (*textindex.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[path]
	if !ok {
		return nil, bferrors.ErrNotFound
	}
	return &row, nil
}

func (f *fakeIndex) Delete(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, path)
	return nil
}

func (f *fakeIndex) Scan(ctx context.Context, prefix string, limit int) ([]textindex.Row, error) {
	return nil, nil
}

func (f *fakeIndex) Search(ctx context.Context, query string, limit int) ([]textindex.Row, error) {
	return nil, nil
}

// fakeEntityStore is an in-memory entityStore.
type fakeEntityStore struct {
	mu       sync.Mutex
	byID     map[string]*types.Entity
	byPath   map[string][]string // path -> entity ids
	deactAll map[string]int      // path -> count deactivated, for assertions
}

func newFakeEntityStore() *fakeEntityStore {
	return &fakeEntityStore{byID: map[string]*types.Entity{}, byPath: map[string][]string{}, deactAll: map[string]int{}}
}

func (f *fakeEntityStore) add(e *types.Entity) {
	f.byID[e.ID] = e
	f.byPath[e.Path] = append(f.byPath[e.Path], e.ID)
}

func (f *fakeEntityStore) GetByID(ctx context.Context, id string) (*types.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[id]
	if !ok || !e.IsActive {
		return nil, &bferrors.NotFoundError{Key: id}
	}
	return e, nil
}

func (f *fakeEntityStore) ListAllActivePaths(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var paths []string
	for path, ids := range f.byPath {
		for _, id := range ids {
			if f.byID[id].IsActive && !seen[path] {
				seen[path] = true
				paths = append(paths, path)
			}
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (f *fakeEntityStore) DeactivateAllAtPath(ctx context.Context, path string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.byPath[path] {
		if f.byID[id].IsActive {
			f.byID[id].IsActive = false
			n++
		}
	}
	f.deactAll[path] = n
	return n, nil
}

// fakeForms is an in-memory formLister.
type fakeForms struct {
	active []*types.Form
}

func (f *fakeForms) ListActive(ctx context.Context) ([]*types.Form, error) { return f.active, nil }

// fakeAgents is an in-memory agentLister.
type fakeAgents struct {
	active []*types.Agent
	byID   map[string]*types.Agent
}

func (f *fakeAgents) ListActive(ctx context.Context) ([]*types.Agent, error) { return f.active, nil }

func (f *fakeAgents) GetByID(ctx context.Context, id string) (*types.Agent, error) {
	a, ok := f.byID[id]
	if !ok {
		return nil, &bferrors.NotFoundError{Key: id}
	}
	return a, nil
}

// fakeIngester is an ingester that records calls without touching a store.
type fakeIngester struct {
	calls []string
}

func (f *fakeIngester) Ingest(ctx context.Context, path string, metas []entities.Metadata) (*entities.IngestResult, error) {
	f.calls = append(f.calls, path)
	return &entities.IngestResult{}, nil
}

func TestSweepIndexesEveryBlobUnderRepoPrefix(t *testing.T) {
	blobs := newFakeBlobs()
	blobs.Put(context.Background(), "repo/tools/a.py", []byte("@tool\ndef a():\n    pass\n"), "text/x-python")
	blobs.Put(context.Background(), "repo/forms/f.form.yaml", []byte("name: f\n"), "application/yaml")
	blobs.Put(context.Background(), "_cache/ignored", []byte("x"), "application/octet-stream")

	index := newFakeIndex()
	store := newFakeEntityStore()
	ing := &fakeIngester{}
	r := New(blobs, index, store, &fakeForms{}, &fakeAgents{byID: map[string]*types.Agent{}}, ing)

	report, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.FilesIndexed != 2 {
		t.Fatalf("FilesIndexed = %d, want 2", report.FilesIndexed)
	}
	if _, err := index.Get(context.Background(), "tools/a.py"); err != nil {
		t.Fatalf("expected text index row for tools/a.py: %v", err)
	}
	if _, err := index.Get(context.Background(), "forms/f.form.yaml"); err != nil {
		t.Fatalf("expected text index row for forms/f.form.yaml: %v", err)
	}
}

func TestSweepRepairsMismatchedContentHash(t *testing.T) {
	blobs := newFakeBlobs()
	blobs.Put(context.Background(), "repo/tools/a.py", []byte("x = 1\n"), "text/x-python")

	index := newFakeIndex()
	index.Upsert(context.Background(), "tools/a.py", "stale content", "stale-hash", time.Now())

	r := New(blobs, index, newFakeEntityStore(), &fakeForms{}, &fakeAgents{byID: map[string]*types.Agent{}}, &fakeIngester{})

	if _, err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	row, err := index.Get(context.Background(), "tools/a.py")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.ContentHash != hashOf([]byte("x = 1\n")) {
		t.Fatalf("content hash not repaired: got %s", row.ContentHash)
	}
}

func TestSweepReingestsWorkflowArtifacts(t *testing.T) {
	blobs := newFakeBlobs()
	blobs.Put(context.Background(), "repo/tools/a.py", []byte("@tool\ndef a():\n    pass\n"), "text/x-python")
	blobs.Put(context.Background(), "repo/lib/util.py", []byte("def helper():\n    pass\n"), "text/x-python")

	ing := &fakeIngester{}
	r := New(blobs, newFakeIndex(), newFakeEntityStore(), &fakeForms{}, &fakeAgents{byID: map[string]*types.Agent{}}, ing)

	if _, err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(ing.calls) != 1 || ing.calls[0] != "tools/a.py" {
		t.Fatalf("expected ingest called only for decorated file, got %v", ing.calls)
	}
}

func TestSweepDeactivatesEntitiesWhoseBlobIsGone(t *testing.T) {
	blobs := newFakeBlobs()
	blobs.Put(context.Background(), "repo/tools/keep.py", []byte("@tool\ndef keep():\n    pass\n"), "text/x-python")

	store := newFakeEntityStore()
	store.add(&types.Entity{ID: "e-keep", Path: "tools/keep.py", IsActive: true})
	store.add(&types.Entity{ID: "e-gone", Path: "tools/gone.py", IsActive: true})

	r := New(blobs, newFakeIndex(), store, &fakeForms{}, &fakeAgents{byID: map[string]*types.Agent{}}, &fakeIngester{})

	report, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.FilesRemoved != 1 {
		t.Fatalf("FilesRemoved = %d, want 1", report.FilesRemoved)
	}
	if report.WorkflowsDeactivated != 1 {
		t.Fatalf("WorkflowsDeactivated = %d, want 1", report.WorkflowsDeactivated)
	}
	if got, _ := store.GetByID(context.Background(), "e-keep"); got == nil {
		t.Fatalf("expected e-keep to remain active")
	}
	if got, _ := store.GetByID(context.Background(), "e-gone"); got != nil {
		t.Fatalf("expected e-gone to be deactivated")
	}
}

func TestSweepReportsDanglingFormReferences(t *testing.T) {
	store := newFakeEntityStore()
	store.add(&types.Entity{ID: "wf-live", Path: "tools/live.py", IsActive: true})

	forms := &fakeForms{active: []*types.Form{
		{
			Path:              "forms/ok.form.yaml",
			WorkflowRef:       "wf-live",
			LaunchWorkflowRef: "wf-missing",
			Fields:            []types.FormField{{Name: "f1", DataProviderRef: "dp-missing"}},
		},
	}}

	r := New(newFakeBlobs(), newFakeIndex(), store, forms, &fakeAgents{byID: map[string]*types.Agent{}}, &fakeIngester{})

	report, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(report.Errors) != 2 {
		t.Fatalf("Errors = %d, want 2 (launch_workflow_ref + data_provider_ref), got %+v", len(report.Errors), report.Errors)
	}
	fields := map[string]bool{}
	for _, e := range report.Errors {
		fields[e.Field] = true
	}
	if !fields["launch_workflow_ref"] {
		t.Fatalf("expected a launch_workflow_ref error, got %+v", report.Errors)
	}
}

func TestSweepReportsDanglingAgentReferences(t *testing.T) {
	store := newFakeEntityStore()
	agents := &fakeAgents{
		active: []*types.Agent{
			{Path: "agents/a.agent.yaml", ToolRefs: []string{"tool-missing"}, DelegatedAgentRefs: []string{"agent-missing"}},
		},
		byID: map[string]*types.Agent{},
	}

	r := New(newFakeBlobs(), newFakeIndex(), store, &fakeForms{}, agents, &fakeIngester{})

	report, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(report.Errors) != 2 {
		t.Fatalf("Errors = %d, want 2, got %+v", len(report.Errors), report.Errors)
	}
}

func TestSweepDoesNotAutoRepairDanglingReferences(t *testing.T) {
	// A dangling reference must be reported, never silently rewritten,
	// since no name is available anywhere to match a replacement by.
	store := newFakeEntityStore()
	forms := &fakeForms{active: []*types.Form{
		{Path: "forms/ok.form.yaml", WorkflowRef: "wf-missing"},
	}}

	r := New(newFakeBlobs(), newFakeIndex(), store, forms, &fakeAgents{byID: map[string]*types.Agent{}}, &fakeIngester{})

	report, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.IDsCorrected != 0 {
		t.Fatalf("IDsCorrected = %d, want 0: reindexer must never auto-repair", report.IDsCorrected)
	}
	if len(report.Errors) != 1 || report.Errors[0].ReferencedID != "wf-missing" {
		t.Fatalf("expected one reported error referencing wf-missing, got %+v", report.Errors)
	}
}
