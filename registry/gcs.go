package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCSBackend stores every record as a JSON object in a GCS bucket. object
// generation preconditions are used for conditional writes.
type GCSBackend struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSBackend returns backend storing objects under prefix in the bucket.
// client is closed when backend is closed.
func NewGCSBackend(client *storage.Client, bucket, prefix string) *GCSBackend {
	return &GCSBackend{client: client, bucket: client.Bucket(bucket), prefix: prefix}
}

// objectName returns name of the object for given url, url is escaped so
// it's a single path segment
func (b *GCSBackend) objectName(key string) string {
	return b.prefix + url.PathEscape(key)
}

func (b *GCSBackend) Get(ctx context.Context, key string) (*State, error) {
	state, _, err := b.read(ctx, key)
	return state, err
}

// read returns stored state and generation of its object
func (b *GCSBackend) read(ctx context.Context, key string) (*State, int64, error) {
	r, err := b.bucket.Object(b.objectName(key)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, err
	}

	state, err := decodeState(data)
	if err != nil {
		return nil, 0, err
	}
	if state.URL != key {
		return nil, 0, fmt.Errorf("%w: object %s contains url %s", ErrInvalidRecord, b.objectName(key), state.URL)
	}
	return state, r.Attrs.Generation, nil
}

func (b *GCSBackend) Insert(ctx context.Context, state State) (*State, error) {
	state.Version = 0

	obj := b.bucket.Object(b.objectName(state.URL)).If(storage.Conditions{DoesNotExist: true})
	if err := b.write(ctx, obj, state); err != nil {
		if isPreconditionFailed(err) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}
	return &state, nil
}

func (b *GCSBackend) CompareAndSwap(ctx context.Context, state State, expected int64) (*State, error) {
	current, generation, err := b.read(ctx, state.URL)
	if err != nil {
		return nil, err
	}
	if current == nil || current.Version != expected {
		return nil, ErrVersionConflict
	}

	state.Version = expected + 1

	// object could have been replaced since it was read
	obj := b.bucket.Object(b.objectName(state.URL)).If(storage.Conditions{GenerationMatch: generation})
	if err := b.write(ctx, obj, state); err != nil {
		if isPreconditionFailed(err) {
			return nil, ErrVersionConflict
		}
		return nil, err
	}
	return &state, nil
}

func (b *GCSBackend) write(ctx context.Context, obj *storage.ObjectHandle, state State) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (b *GCSBackend) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

func isPreconditionFailed(err error) bool {
	var gErr *googleapi.Error
	return errors.As(err, &gErr) && gErr.Code == http.StatusPreconditionFailed
}
