package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/protravka/protravka/authority"
	"github.com/protravka/protravka/engine/storage"
	storeinmem "github.com/protravka/protravka/engine/storage/inmem"
	"github.com/protravka/protravka/engine/storage/test"
	"github.com/protravka/protravka/execution"
	"github.com/protravka/protravka/gateway/queue"
	"github.com/protravka/protravka/gateway/queue/inmem"
	"github.com/protravka/protravka/resilient"
)

// fakeRemote accepts snapshots newer than the last accepted one.
type fakeRemote struct {
	mu      sync.Mutex
	down    bool
	refuse  error
	records map[string]*execution.ExecutionRecord
	media   map[string][]byte
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		records: make(map[string]*execution.ExecutionRecord),
		media:   make(map[string][]byte),
	}
}

func (f *fakeRemote) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeRemote) setRefuse(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refuse = err
}

func (f *fakeRemote) record(orderID string) *execution.ExecutionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[orderID]
}

func (f *fakeRemote) SaveRecord(_ context.Context, r *execution.ExecutionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return fmt.Errorf("%w: connection refused", authority.ErrUnreachable)
	}
	if f.refuse != nil {
		return f.refuse
	}
	if prev, ok := f.records[r.OrderID]; ok && r.Seq <= prev.Seq {
		return authority.ErrStaleSnapshot
	}
	f.records[r.OrderID] = r.Clone()
	return nil
}

func (f *fakeRemote) UploadMedia(_ context.Context, id, _ string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return fmt.Errorf("%w: connection refused", authority.ErrUnreachable)
	}
	f.media[id] = append([]byte(nil), data...)
	return nil
}

type fixture struct {
	remote *fakeRemote
	queue  queue.Storage
	media  storage.MediaStorage
	gw     *Gateway
	worker *Worker
}

func newFixture() *fixture {
	f := &fixture{
		remote: newFakeRemote(),
		queue:  inmem.New(),
		media:  storeinmem.New(),
	}
	caller := resilient.New(resilient.WithAttempts(1), resilient.WithRetryDelay(time.Millisecond), resilient.WithTimeout(time.Second))
	f.gw = New(f.remote, f.queue, f.media, WithCaller(caller))
	f.worker = NewWorker(f.gw)
	return f
}

func (f *fixture) depth(t *testing.T, ch string) int {
	t.Helper()
	entries, err := f.queue.RetrieveEntries(context.Background(), ch)
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func TestSave(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	r := test.NewRecord(t, "ORDER-1", 2)
	r.Seq = 1

	if err := f.gw.Save(ctx, r); err != nil {
		t.Fatal(err)
	}
	if f.remote.record(r.OrderID) == nil {
		t.Fatal("expected snapshot delivered")
	}
	if have, want := f.depth(t, queue.ChannelRecord), 0; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// same snapshot again is stale and surfaced
	if err := f.gw.Save(ctx, r); !errors.Is(err, authority.ErrStaleSnapshot) {
		t.Errorf("have: %v, want: %v", err, authority.ErrStaleSnapshot)
	}
}

func TestSaveRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	refused := fmt.Errorf("%w: authority status 401: unauthorized", authority.ErrRequestRejected)
	r := test.NewRecord(t, "ORDER-1", 2)

	f.remote.setRefuse(refused)
	r.Seq = 1
	if err := f.gw.Save(ctx, r); !errors.Is(err, authority.ErrRequestRejected) {
		t.Errorf("have: %v, want: %v", err, authority.ErrRequestRejected)
	}
	if have, want := f.depth(t, queue.ChannelRecord), 0; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// queued entries outlive a refusing authority
	f.remote.setRefuse(nil)
	f.remote.setDown(true)
	r.Seq = 2
	if err := f.gw.Save(ctx, r); err != nil {
		t.Fatal(err)
	}
	f.remote.setDown(false)
	f.remote.setRefuse(refused)
	reports, err := f.worker.Flush(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, rep := range reports {
		if rep.Rejected != 0 {
			t.Errorf("%s: have: %v rejected, want: 0", rep.Channel, rep.Rejected)
		}
	}
	if have, want := f.depth(t, queue.ChannelRecord), 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	f.remote.setRefuse(nil)
	if _, err = f.worker.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if have, want := f.depth(t, queue.ChannelRecord), 0; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestSaveOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.remote.setDown(true)

	r := test.NewRecord(t, "ORDER-1", 2)
	for seq := int64(1); seq <= 3; seq++ {
		r.Seq = seq
		if err := f.gw.Save(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	// one entry per attempt, no deduplication
	if have, want := f.depth(t, queue.ChannelRecord), 3; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	r.Seq = 4
	err := f.gw.SaveCheckpoint(ctx, r)
	if !errors.Is(err, authority.ErrUnreachable) {
		t.Errorf("have: %v, want: %v", err, authority.ErrUnreachable)
	}
	if have, want := f.depth(t, queue.ChannelRecord), 3; have != want {
		t.Errorf("checkpoint queued: have: %v, want: %v", have, want)
	}

	// still down: nothing delivered, nothing dropped
	reports, err := f.worker.Flush(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, rep := range reports {
		if rep.Channel == queue.ChannelRecord && rep.Remaining != 3 {
			t.Errorf("have: %v, want: %v", rep.Remaining, 3)
		}
	}

	f.remote.setDown(false)
	if err = f.worker.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if have, want := f.depth(t, queue.ChannelRecord), 0; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := f.remote.record(r.OrderID).Seq, int64(3); have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestStaleReplayRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	r := test.NewRecord(t, "ORDER-1", 1)

	// step 6 snapshot is queued while offline
	f.remote.setDown(true)
	r.Seq = 6
	r.CurrentStep = execution.StepTreatingConfirmation
	if err := f.gw.Save(ctx, r); err != nil {
		t.Fatal(err)
	}

	// step 8 snapshot is delivered after reconnecting
	f.remote.setDown(false)
	r.Seq = 8
	r.CurrentStep = execution.StepPackingProving
	if err := f.gw.Save(ctx, r); err != nil {
		t.Fatal(err)
	}

	reports, err := f.worker.Flush(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var rejected int
	for _, rep := range reports {
		rejected += rep.Rejected
	}
	if have, want := rejected, 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := f.remote.record(r.OrderID).CurrentStep, execution.StepPackingProving; have != want {
		t.Errorf("remote regressed: have: %v, want: %v", have, want)
	}
	if have, want := f.depth(t, queue.ChannelRecord), 0; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestRetention(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	r := test.NewRecord(t, "ORDER-1", 1)
	r.Seq = 1
	raw, err := r.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	old := &queue.Entry{
		Channel:    queue.ChannelRecord,
		EnqueuedAt: time.Now().Add(-DefaultRetention - time.Hour),
		Payload:    raw,
	}
	if err = f.queue.Enqueue(ctx, old); err != nil {
		t.Fatal(err)
	}

	reports, err := f.worker.Flush(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var expired int
	for _, rep := range reports {
		expired += rep.Expired
	}
	if have, want := expired, 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if f.remote.record(r.OrderID) != nil {
		t.Error("expired entry was delivered")
	}
	if have, want := f.depth(t, queue.ChannelRecord), 0; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestSaveMediaOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.remote.setDown(true)

	if err := f.gw.SaveMedia(ctx, "m1", "image/jpeg", []byte("jpeg")); err != nil {
		t.Fatal(err)
	}
	if have, want := f.depth(t, queue.ChannelMedia), 1; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if _, err := f.media.RetrieveMedia(ctx, "m1"); err != nil {
		t.Fatalf("expected local media: %v", err)
	}

	f.remote.setDown(false)
	if err := f.worker.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if have, want := string(f.remote.media["m1"]), "jpeg"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if _, err := f.media.RetrieveMedia(ctx, "m1"); !errors.Is(err, storage.ErrMediaNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrMediaNotFound)
	}
	if have, want := f.depth(t, queue.ChannelMedia), 0; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}
