// Package test contains a shared test suite for offline queue backends.
package test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/protravka/protravka/gateway/queue"
)

// TestQueueStorage runs the shared suite against an empty queue.
func TestQueueStorage(t *testing.T, s queue.Storage) {
	ctx := context.Background()

	if err := s.Enqueue(ctx, &queue.Entry{Channel: "bogus", Payload: []byte(`{}`)}); !errors.Is(err, queue.ErrInvalidChannel) {
		t.Errorf("have: %v, want: %v", err, queue.ErrInvalidChannel)
	}
	if err := s.Enqueue(ctx, &queue.Entry{Channel: queue.ChannelRecord}); !errors.Is(err, queue.ErrMissingPayload) {
		t.Errorf("have: %v, want: %v", err, queue.ErrMissingPayload)
	}

	now := time.Now().UTC().Truncate(time.Second)
	var ids []string
	// more than ten entries so that lexical and numeric order must agree
	for i := 0; i < 12; i++ {
		e := &queue.Entry{
			Channel:    queue.ChannelRecord,
			EnqueuedAt: now.Add(time.Duration(i) * time.Second),
			Payload:    []byte(`"` + string(rune('a'+i)) + `"`),
		}
		if err := s.Enqueue(ctx, e); err != nil {
			t.Fatal(err)
		}
		if e.ID == "" {
			t.Fatal("expected entry id")
		}
		ids = append(ids, e.ID)
	}
	media := &queue.Entry{Channel: queue.ChannelMedia, EnqueuedAt: now, Payload: []byte(`{"media_id":"m1"}`)}
	if err := s.Enqueue(ctx, media); err != nil {
		t.Fatal(err)
	}

	entries, err := s.RetrieveEntries(ctx, queue.ChannelRecord)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(entries), 12; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	for i, e := range entries {
		if have, want := e.ID, ids[i]; have != want {
			t.Errorf("order: have: %v, want: %v", have, want)
		}
		if have, want := string(e.Payload), `"`+string(rune('a'+i))+`"`; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
		if have, want := e.EnqueuedAt, now.Add(time.Duration(i)*time.Second); !have.Equal(want) {
			t.Errorf("have: %v, want: %v", have, want)
		}
	}

	entries, err = s.RetrieveEntries(ctx, queue.ChannelMedia)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(entries), 1; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}

	for _, id := range ids[:4] {
		if err = s.DeleteEntry(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	entries, err = s.RetrieveEntries(ctx, queue.ChannelRecord)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(entries), 8; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := entries[0].ID, ids[4]; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// ids are never reused
	e := &queue.Entry{Channel: queue.ChannelRecord, EnqueuedAt: now, Payload: []byte(`"z"`)}
	if err = s.Enqueue(ctx, e); err != nil {
		t.Fatal(err)
	}
	entries, err = s.RetrieveEntries(ctx, queue.ChannelRecord)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := entries[len(entries)-1].ID, e.ID; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}
