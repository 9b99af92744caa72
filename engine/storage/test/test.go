// Package test contains a shared test suite for execution store backends.
package test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/protravka/protravka/engine/storage"
	"github.com/protravka/protravka/execution"

	"github.com/shopspring/decimal"
)

// NewRecord returns a valid record for orderID with n products.
func NewRecord(t *testing.T, orderID string, n int) *execution.ExecutionRecord {
	t.Helper()
	order := &execution.Order{
		ID:             orderID,
		Status:         execution.StatusExecutionInProgress,
		SeedsToTreatKg: decimal.NewFromInt(1000),
	}
	for i := 0; i < n; i++ {
		order.Products = append(order.Products, execution.OrderProduct{
			ProductID: string(rune('A' + i)),
			RateKg:    decimal.NewFromInt(10),
		})
	}
	r, err := execution.NewExecutionRecord(order, execution.Operator{ID: "op1", Name: "Operator One"}, time.Now().UTC().Truncate(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// TestExecutionStorage runs the shared suite against a fresh store.
func TestExecutionStorage(t *testing.T, newStorage func() storage.AllStorage) {
	s := newStorage()

	t.Run("testRecords", func(t *testing.T) {
		testRecords(t, s)
	})

	t.Run("testMedia", func(t *testing.T) {
		testMedia(t, s)
	})

	t.Run("testMediaKeysApart", func(t *testing.T) {
		testMediaKeysApart(t, s)
	})
}

// testMediaKeysApart checks media whose id equals an order id is not
// seen as a record.
func testMediaKeysApart(t *testing.T, s storage.AllStorage) {
	ctx := context.Background()
	if err := s.StoreMedia(ctx, "ORDER-M", []byte("img")); err != nil {
		t.Fatal(err)
	}
	defer s.DeleteMedia(ctx, "ORDER-M")

	if _, err := s.RetrieveRecord(ctx, "ORDER-M"); !errors.Is(err, storage.ErrRecordNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrRecordNotFound)
	}
	records, err := s.ListRecords(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range records {
		if r.OrderID == "ORDER-M" {
			t.Error("media listed as record")
		}
	}

	if err = s.CreateRecord(ctx, NewRecord(t, "ORDER-M", 1)); err != nil {
		t.Fatal(err)
	}
	if err = s.DeactivateRecord(ctx, "ORDER-M"); err != nil {
		t.Fatal(err)
	}
	data, err := s.RetrieveMedia(ctx, "ORDER-M")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := string(data), "img"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func testRecords(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	_, err := s.RetrieveRecord(ctx, "missing")
	if !errors.Is(err, storage.ErrRecordNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrRecordNotFound)
	}

	if err = s.CreateRecord(ctx, &execution.ExecutionRecord{}); err == nil {
		t.Error("expected error creating invalid record")
	}

	r := NewRecord(t, "ORDER-1", 3)
	if err = s.StoreRecord(ctx, r); !errors.Is(err, storage.ErrRecordNotFound) {
		t.Errorf("store before create: have: %v, want: %v", err, storage.ErrRecordNotFound)
	}

	if err = s.CreateRecord(ctx, r); err != nil {
		t.Fatal(err)
	}
	if err = s.CreateRecord(ctx, r); !errors.Is(err, storage.ErrRecordExists) {
		t.Errorf("have: %v, want: %v", err, storage.ErrRecordExists)
	}

	r.ApplicationMethod = execution.MethodCDS
	r.CurrentStep = execution.StepConsumptionProving
	r.CurrentProductIndex = 2
	r.Seq = 7
	for i := range r.ProductExecutions {
		r.ProductExecutions[i].ProductConsumptionPerLotKg = decimal.NewNullDecimal(decimal.NewFromInt(int64(i + 1)))
	}
	if err = s.StoreRecord(ctx, r); err != nil {
		t.Fatal(err)
	}

	r2, err := s.RetrieveRecord(ctx, r.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := r2.CurrentStep, r.CurrentStep; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := r2.Seq, r.Seq; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := r2.CurrentProductIndex, 2; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := r2.ProductCount(), 3; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	for i, pe := range r2.ProductExecutions {
		if have, want := pe.ProductID, r.ProductExecutions[i].ProductID; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
		if have, want := pe.ProductConsumptionPerLotKg.Decimal, decimal.NewFromInt(int64(i+1)); !have.Equal(want) {
			t.Errorf("have: %v, want: %v", have, want)
		}
	}

	other := NewRecord(t, "ORDER-2", 1)
	if err = s.CreateRecord(ctx, other); err != nil {
		t.Fatal(err)
	}
	records, err := s.ListRecords(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(records), 2; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}

	for _, id := range []string{"ORDER-1", "ORDER-2", "ORDER-2"} {
		if err = s.DeactivateRecord(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if _, err = s.RetrieveRecord(ctx, "ORDER-1"); !errors.Is(err, storage.ErrRecordNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrRecordNotFound)
	}
	records, err = s.ListRecords(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(records), 0; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// a deactivated order may be claimed and executed again
	if err = s.CreateRecord(ctx, NewRecord(t, "ORDER-1", 1)); err != nil {
		t.Error(err)
	}
	if err = s.DeactivateRecord(ctx, "ORDER-1"); err != nil {
		t.Error(err)
	}
}

func testMedia(t *testing.T, s storage.MediaStorage) {
	ctx := context.Background()

	if err := s.StoreMedia(ctx, "", []byte("x")); !errors.Is(err, storage.ErrMissingMediaID) {
		t.Errorf("have: %v, want: %v", err, storage.ErrMissingMediaID)
	}

	if _, err := s.RetrieveMedia(ctx, "missing"); !errors.Is(err, storage.ErrMediaNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrMediaNotFound)
	}

	data := []byte{0xff, 0xd8, 0xff, 0xe0}
	if err := s.StoreMedia(ctx, "m1", data); err != nil {
		t.Fatal(err)
	}
	have, err := s.RetrieveMedia(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(have, data) {
		t.Errorf("have: %v, want: %v", have, data)
	}
	if err = s.DeleteMedia(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	if _, err = s.RetrieveMedia(ctx, "m1"); !errors.Is(err, storage.ErrMediaNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrMediaNotFound)
	}
}

// TestReopen verifies records survive opening the store again.
// newStorage must return stores sharing the same durable location.
func TestReopen(t *testing.T, newStorage func() storage.AllStorage) {
	ctx := context.Background()
	r := NewRecord(t, "ORDER-R", 2)
	r.CurrentStep = execution.StepPackingDetails
	r.PackedQuantityKg = decimal.NewNullDecimal(decimal.RequireFromString("950.5"))
	if err := newStorage().CreateRecord(ctx, r); err != nil {
		t.Fatal(err)
	}
	r2, err := newStorage().RetrieveRecord(ctx, r.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := r2.CurrentStep, r.CurrentStep; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := r2.PackedQuantityKg.Decimal, r.PackedQuantityKg.Decimal; !have.Equal(want) {
		t.Errorf("have: %v, want: %v", have, want)
	}
}
