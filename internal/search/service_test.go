package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
)

type fakeBackend struct {
	healthy  bool
	results  []Result
	err      error
	mu       sync.Mutex
	indexed  []MessageRecord
	deleted  []string
	lastSeen Query
	done     chan struct{}
}

func (f *fakeBackend) Search(_ context.Context, q Query) ([]Result, int, error) {
	f.lastSeen = q
	return f.results, len(f.results), f.err
}

func (f *fakeBackend) Healthy() bool { return f.healthy }

func (f *fakeBackend) IndexMessages(records []MessageRecord) error {
	f.mu.Lock()
	f.indexed = append(f.indexed, records...)
	f.mu.Unlock()
	if f.done != nil {
		f.done <- struct{}{}
	}
	return nil
}

func (f *fakeBackend) DeleteMessage(id string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, id)
	f.mu.Unlock()
	if f.done != nil {
		f.done <- struct{}{}
	}
	return nil
}

func TestServicePrefersHealthyMeili(t *testing.T) {
	primary := &fakeBackend{healthy: true, results: []Result{{MessageID: "m1"}}}
	fallback := &fakeBackend{healthy: true, results: []Result{{MessageID: "pg"}}}
	svc := NewService(primary, fallback, zerolog.Nop())

	resp := svc.Search(context.Background(), Query{Text: "hello", ThreadIDs: []string{"t1"}})
	if len(resp.Results) != 1 || resp.Results[0].MessageID != "m1" {
		t.Fatalf("results = %+v", resp.Results)
	}
}

func TestServiceFallsBackOnMeiliError(t *testing.T) {
	primary := &fakeBackend{healthy: true, err: errors.New("boom")}
	fallback := &fakeBackend{healthy: true, results: []Result{{MessageID: "pg"}}}
	svc := NewService(primary, fallback, zerolog.Nop())

	resp := svc.Search(context.Background(), Query{Text: "hello", ThreadIDs: []string{"t1"}})
	if len(resp.Results) != 1 || resp.Results[0].MessageID != "pg" {
		t.Fatalf("results = %+v", resp.Results)
	}
	if fallback.lastSeen.Text != "hello" {
		t.Fatalf("fallback query = %+v", fallback.lastSeen)
	}
}

func TestServiceWithoutBackendsReturnsEmptySlice(t *testing.T) {
	svc := NewService(nil, nil, zerolog.Nop())
	resp := svc.Search(context.Background(), Query{Text: "x"})
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("expected empty non-nil results, got %#v", resp.Results)
	}
}

func TestServiceIndexSkipsEmptyText(t *testing.T) {
	b := &fakeBackend{healthy: true, done: make(chan struct{}, 2)}
	svc := NewService(b, nil, zerolog.Nop())

	svc.IndexMessage(MessageRecord{ID: "enc"})
	svc.IndexMessage(MessageRecord{ID: "m1", Text: "hi"})
	svc.DeleteMessage("m0")

	for i := 0; i < 2; i++ {
		select {
		case <-b.done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for index write")
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.indexed) != 1 || b.indexed[0].ID != "m1" {
		t.Fatalf("indexed = %+v", b.indexed)
	}
	if len(b.deleted) != 1 || b.deleted[0] != "m0" {
		t.Fatalf("deleted = %+v", b.deleted)
	}
}

func TestThreadFilterQuotesIDs(t *testing.T) {
	got := threadFilter([]string{"a", `b"c`})
	want := `threadId IN ["a", "b\"c"]`
	if got != want {
		t.Fatalf("filter = %s, want %s", got, want)
	}
}

func TestHitToResultPrefersFormattedText(t *testing.T) {
	hit := meili.Hit{
		"id":         []byte(`"m1"`),
		"threadId":   []byte(`"t1"`),
		"senderId":   []byte(`"alice"`),
		"text":       []byte(`"hello world"`),
		"createdAt":  []byte(`1700000000000`),
		"_formatted": []byte(`{"text":"<mark>hello</mark> world"}`),
	}
	r := hitToResult(hit)
	if r.MessageID != "m1" || r.ThreadID != "t1" || r.SenderID != "alice" {
		t.Fatalf("result = %+v", r)
	}
	if r.Snippet != "<mark>hello</mark> world" {
		t.Fatalf("snippet = %q", r.Snippet)
	}
	if r.CreatedAt.UnixMilli() != 1700000000000 {
		t.Fatalf("createdAt = %v", r.CreatedAt)
	}
}

func TestNormalizeClampsLimit(t *testing.T) {
	q := normalize(Query{Limit: 1000, Offset: -3})
	if q.Limit != defaultLimit || q.Offset != 0 {
		t.Fatalf("normalize = %+v", q)
	}
}
