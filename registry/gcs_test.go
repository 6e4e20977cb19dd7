package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const testBucket = "index-state"

func TestGCSBackend_objectName(t *testing.T) {
	b := &GCSBackend{prefix: "registries/"}

	tests := []struct {
		url  string
		want string
	}{
		{"https://example.test/index.git", "registries/https:%2F%2Fexample.test%2Findex.git"},
		{"git@github.com:org/index.git", "registries/git@github.com:org%2Findex.git"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := b.objectName(tt.url); got != tt.want {
				t.Errorf("objectName() = %s, want %s", got, tt.want)
			}
		})
	}
}

func Test_isPreconditionFailed(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"412", &googleapi.Error{Code: http.StatusPreconditionFailed}, true},
		{"wrapped-412", fmt.Errorf("write failed: %w", &googleapi.Error{Code: http.StatusPreconditionFailed}), true},
		{"404", &googleapi.Error{Code: http.StatusNotFound}, false},
		{"other", fmt.Errorf("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isPreconditionFailed(tt.err); got != tt.want {
				t.Errorf("isPreconditionFailed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGCSBackend_Insert_doesNotExist(t *testing.T) {
	ctx := context.Background()
	b, fake := newFakeGCSBackend(t)
	defer b.Close()

	created, err := b.Insert(ctx, State{URL: testURL, Version: 3, HeadRef: "main", HeadCommitID: "c1"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if created.Version != 0 {
		t.Errorf("Insert() version = %d, want 0", created.Version)
	}

	if _, err := b.Insert(ctx, State{URL: testURL, HeadRef: "main", HeadCommitID: "c2"}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("Insert() error = %v, want %v", err, ErrAlreadyExists)
	}

	fake.mu.Lock()
	obj := fake.objects[b.objectName(testURL)]
	fake.mu.Unlock()
	if obj.generation != 1 {
		t.Errorf("object generation = %d, want 1", obj.generation)
	}

	got, err := b.Get(ctx, testURL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(&State{URL: testURL, HeadRef: "main", HeadCommitID: "c1"}, got); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}
}

func TestGCSBackend_CompareAndSwap_generationMatch(t *testing.T) {
	ctx := context.Background()
	b, fake := newFakeGCSBackend(t)
	defer b.Close()

	if _, err := b.Insert(ctx, State{URL: testURL, HeadRef: "main", HeadCommitID: "c1"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// object is replaced between the read and the conditional write of the
	// swap, stored version stays same so only generation can catch it
	racer := State{URL: testURL, Version: 0, HeadRef: "main", HeadCommitID: "racer"}
	data, err := encodeState(racer)
	if err != nil {
		t.Fatalf("encodeState: %v", err)
	}
	fake.mu.Lock()
	fake.afterRead = func() { fake.put(b.objectName(testURL), data) }
	fake.mu.Unlock()

	if _, err := b.CompareAndSwap(ctx, State{URL: testURL, HeadRef: "main", HeadCommitID: "c2"}, 0); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("CompareAndSwap() error = %v, want %v", err, ErrVersionConflict)
	}

	got, err := b.Get(ctx, testURL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(&racer, got); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}

	updated, err := b.CompareAndSwap(ctx, State{URL: testURL, HeadRef: "main", HeadCommitID: "c2"}, 0)
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if updated.Version != 1 {
		t.Errorf("CompareAndSwap() version = %d, want 1", updated.Version)
	}

	// stale expected version is rejected before writing
	if _, err := b.CompareAndSwap(ctx, State{URL: testURL, HeadRef: "main", HeadCommitID: "c3"}, 0); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("CompareAndSwap() error = %v, want %v", err, ErrVersionConflict)
	}
	// missing record
	if _, err := b.CompareAndSwap(ctx, State{URL: "https://example.test/other.git"}, 0); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("CompareAndSwap() error = %v, want %v", err, ErrVersionConflict)
	}
}

func TestGCSBackend_Get_urlMismatch(t *testing.T) {
	b, fake := newFakeGCSBackend(t)
	defer b.Close()

	data, err := encodeState(State{URL: "https://example.test/other.git"})
	if err != nil {
		t.Fatalf("encodeState: %v", err)
	}
	fake.put(b.objectName(testURL), data)

	if _, err := b.Get(context.Background(), testURL); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("Get() error = %v, want %v", err, ErrInvalidRecord)
	}
}

// fakeGCS serves the subset of the GCS XML read and JSON upload APIs used
// by the backend. object generations and write preconditions are honoured.
type fakeGCS struct {
	mu         sync.Mutex
	objects    map[string]fakeObject
	generation int64

	// afterRead is called once after the next successful object read
	afterRead func()
}

type fakeObject struct {
	data       []byte
	generation int64
}

func newFakeGCSBackend(t *testing.T) (*GCSBackend, *fakeGCS) {
	t.Helper()

	fake := &fakeGCS{objects: make(map[string]fakeObject)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(srv.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
	)
	if err != nil {
		t.Fatalf("storage.NewClient: %v", err)
	}
	return NewGCSBackend(client, testBucket, "registries/"), fake
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/upload/storage/v1/b/"):
		f.upload(w, r)
	case r.Method == http.MethodGet:
		f.download(w, r)
	default:
		writeFakeError(w, http.StatusNotImplemented, "unsupported request")
	}
}

func (f *fakeGCS) download(w http.ResponseWriter, r *http.Request) {
	// object name is escaped so split escaped path
	bucket, escaped, ok := strings.Cut(strings.TrimPrefix(r.URL.EscapedPath(), "/"), "/")
	if !ok || bucket != testBucket {
		writeFakeError(w, http.StatusNotFound, "bucket not found")
		return
	}
	name, err := url.PathUnescape(escaped)
	if err != nil {
		writeFakeError(w, http.StatusBadRequest, err.Error())
		return
	}

	f.mu.Lock()
	obj, found := f.objects[name]
	hook := f.afterRead
	if found {
		f.afterRead = nil
	}
	f.mu.Unlock()

	if !found {
		writeFakeError(w, http.StatusNotFound, "object not found")
		return
	}
	if hook != nil {
		hook()
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.data)))
	w.Header().Set("X-Goog-Generation", strconv.FormatInt(obj.generation, 10))
	w.Header().Set("X-Goog-Metageneration", "1")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.data)
}

func (f *fakeGCS) upload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("uploadType") != "multipart" {
		writeFakeError(w, http.StatusNotImplemented, "only multipart uploads are supported")
		return
	}

	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		writeFakeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mr := multipart.NewReader(r.Body, params["boundary"])

	// first part is object metadata and second one is the media
	var meta struct {
		Name string `json:"name"`
	}
	part, err := mr.NextPart()
	if err != nil {
		writeFakeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := json.NewDecoder(part).Decode(&meta); err != nil {
		writeFakeError(w, http.StatusBadRequest, err.Error())
		return
	}
	part, err = mr.NextPart()
	if err != nil {
		writeFakeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := io.ReadAll(part)
	if err != nil {
		writeFakeError(w, http.StatusBadRequest, err.Error())
		return
	}

	name := q.Get("name")
	if name == "" {
		name = meta.Name
	}

	f.mu.Lock()
	if v := q.Get("ifGenerationMatch"); v != "" {
		want, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			f.mu.Unlock()
			writeFakeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// generation 0 means object must not exist
		if f.objects[name].generation != want {
			f.mu.Unlock()
			writeFakeError(w, http.StatusPreconditionFailed, "conditionNotMet")
			return
		}
	}
	f.generation++
	obj := fakeObject{data: data, generation: f.generation}
	f.objects[name] = obj
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"kind":        "storage#object",
		"bucket":      testBucket,
		"name":        name,
		"generation":  strconv.FormatInt(obj.generation, 10),
		"size":        strconv.Itoa(len(data)),
		"contentType": "application/json",
	})
}

// put replaces the object bypassing the write preconditions
func (f *fakeGCS) put(name string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.generation++
	f.objects[name] = fakeObject{data: data, generation: f.generation}
}

func writeFakeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": msg},
	})
}
