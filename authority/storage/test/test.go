// Package test contains a shared test suite for authority storage backends.
package test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/protravka/protravka/authority/storage"
	"github.com/protravka/protravka/execution"

	"github.com/shopspring/decimal"
)

var errBusy = errors.New("busy")

func newOrder(id string, status execution.OrderStatus) *execution.Order {
	return &execution.Order{
		ID:             id,
		AccountID:      "acct",
		Status:         status,
		SeedsToTreatKg: decimal.RequireFromString("1250.75"),
		Products: []execution.OrderProduct{
			{ProductID: "A", Name: "Alpha", RateKg: decimal.NewFromInt(10)},
			{ProductID: "B", Name: "Beta", RateKg: decimal.NewFromInt(15)},
		},
	}
}

// TestAuthorityStorage runs the shared suite against s.
// Orders named "T-*" are overwritten.
func TestAuthorityStorage(t *testing.T, s storage.Storage) {
	t.Run("testOrders", func(t *testing.T) {
		testOrders(t, s)
	})

	t.Run("testClaimRace", func(t *testing.T) {
		testClaimRace(t, s)
	})

	t.Run("testRecords", func(t *testing.T) {
		testRecords(t, s)
	})

	t.Run("testMedia", func(t *testing.T) {
		testMedia(t, s)
	})
}

func testOrders(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	if _, err := s.RetrieveOrder(ctx, "T-missing"); !errors.Is(err, storage.ErrOrderNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrOrderNotFound)
	}
	if err := s.StoreOrder(ctx, &execution.Order{ID: "T-bad"}); err == nil {
		t.Error("expected error storing invalid order")
	}

	for _, o := range []*execution.Order{
		newOrder("T-1", execution.StatusReadyToExecute),
		newOrder("T-2", execution.StatusLabPending),
		newOrder("T-3", execution.StatusReadyToExecute),
	} {
		if err := s.StoreOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	o, err := s.RetrieveOrder(ctx, "T-1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := o.SeedsToTreatKg, decimal.RequireFromString("1250.75"); !have.Equal(want) {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := len(o.Products), 2; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := o.Products[1].ProductID, "B"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	orders, err := s.ListOrders(ctx, execution.StatusReadyToExecute)
	if err != nil {
		t.Fatal(err)
	}
	var found int
	for _, o := range orders {
		if o.Status != execution.StatusReadyToExecute {
			t.Errorf("listed order %s with status %s", o.ID, o.Status)
		}
		if o.ID == "T-1" || o.ID == "T-3" {
			found++
		}
	}
	if have, want := found, 2; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	_, err = s.UpdateOrder(ctx, "T-2", func(o *execution.Order) error { return errBusy })
	if !errors.Is(err, errBusy) {
		t.Errorf("have: %v, want: %v", err, errBusy)
	}
	if _, err = s.UpdateOrder(ctx, "T-missing", func(o *execution.Order) error { return nil }); !errors.Is(err, storage.ErrOrderNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrOrderNotFound)
	}

	o, err = s.UpdateOrder(ctx, "T-2", func(o *execution.Order) error {
		o.Status = execution.StatusReadyToExecute
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := o.Status, execution.StatusReadyToExecute; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	o, err = s.RetrieveOrder(ctx, "T-2")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := o.Status, execution.StatusReadyToExecute; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

// testClaimRace has many operators claim the same order at once.
// Exactly one may win.
func testClaimRace(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.StoreOrder(ctx, newOrder("T-race", execution.StatusReadyToExecute)); err != nil {
		t.Fatal(err)
	}

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []string
	for i := 0; i < n; i++ {
		op := execution.Operator{ID: string(rune('a' + i))}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateOrder(ctx, "T-race", func(o *execution.Order) error {
				if o.Status != execution.StatusReadyToExecute {
					return errBusy
				}
				o.Status = execution.StatusExecutionInProgress
				o.ClaimedBy = &op
				return nil
			})
			if err == nil {
				mu.Lock()
				winners = append(winners, op.ID)
				mu.Unlock()
			} else if !errors.Is(err, errBusy) {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if have, want := len(winners), 1; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	o, err := s.RetrieveOrder(ctx, "T-race")
	if err != nil {
		t.Fatal(err)
	}
	if o.ClaimedBy == nil || o.ClaimedBy.ID != winners[0] {
		t.Errorf("have: %v, want: %v", o.ClaimedBy, winners[0])
	}
}

func testRecords(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	order := newOrder("T-rec", execution.StatusExecutionInProgress)
	order.ClaimedBy = &execution.Operator{ID: "op1"}
	if err := s.StoreOrder(ctx, order); err != nil {
		t.Fatal(err)
	}

	r, err := execution.NewExecutionRecord(order, *order.ClaimedBy, time.Now().UTC().Truncate(time.Second))
	if err != nil {
		t.Fatal(err)
	}

	var base int64
	err = s.UpdateRecord(ctx, "T-rec", func(o *execution.Order, prev *execution.ExecutionRecord) (*execution.ExecutionRecord, error) {
		if o.ID != "T-rec" {
			t.Errorf("have: %v, want: %v", o.ID, "T-rec")
		}
		if prev != nil {
			base = prev.Seq
		}
		r.Seq = base + 1
		return r, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	r.Seq = base + 2
	r.CurrentStep = execution.StepApplicationMethodChoice
	err = s.UpdateRecord(ctx, "T-rec", func(o *execution.Order, prev *execution.ExecutionRecord) (*execution.ExecutionRecord, error) {
		if prev == nil {
			t.Fatal("expected previous record")
		}
		if have, want := prev.Seq, base+1; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
		return r, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.UpdateRecord(ctx, "T-rec", func(*execution.Order, *execution.ExecutionRecord) (*execution.ExecutionRecord, error) {
		return nil, errBusy
	})
	if !errors.Is(err, errBusy) {
		t.Errorf("have: %v, want: %v", err, errBusy)
	}

	r2, err := s.RetrieveRecord(ctx, "T-rec")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := r2.Seq, base+2; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := r2.CurrentStep, execution.StepApplicationMethodChoice; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	err = s.UpdateRecord(ctx, "T-missing", func(*execution.Order, *execution.ExecutionRecord) (*execution.ExecutionRecord, error) {
		return r, nil
	})
	if !errors.Is(err, storage.ErrOrderNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrOrderNotFound)
	}
	if _, err = s.RetrieveRecord(ctx, "T-missing"); !errors.Is(err, storage.ErrRecordNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrRecordNotFound)
	}
}

func testMedia(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if _, _, err := s.RetrieveMedia(ctx, "T-missing"); !errors.Is(err, storage.ErrMediaNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrMediaNotFound)
	}
	data := []byte{0x89, 'P', 'N', 'G'}
	if err := s.StoreMedia(ctx, "T-m1", "image/png", data); err != nil {
		t.Fatal(err)
	}
	// replayed uploads overwrite
	if err := s.StoreMedia(ctx, "T-m1", "image/png", data); err != nil {
		t.Fatal(err)
	}
	have, ct, err := s.RetrieveMedia(ctx, "T-m1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(have, data) {
		t.Errorf("have: %v, want: %v", have, data)
	}
	if have, want := ct, "image/png"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}
