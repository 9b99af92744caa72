package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/protravka/protravka/authority"
	authhttp "github.com/protravka/protravka/authority/http"
	"github.com/protravka/protravka/authority/storage/inmem"
	"github.com/protravka/protravka/execution"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/shopspring/decimal"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	mux := flow.New()
	authhttp.HandleAPIv1("/v1", mux, log.NopLogger, authority.New(inmem.New()))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestClient(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	una := execution.Operator{ID: "u1", Name: "Una"}

	err := c.PutOrder(ctx, &execution.Order{
		ID:       "O1",
		Status:   execution.StatusReadyToExecute,
		Products: []execution.OrderProduct{{ProductID: "P1", RateKg: decimal.NewFromInt(3)}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err = c.GetOrder(ctx, "O2"); !errors.Is(err, authority.ErrOrderNotFound) {
		t.Errorf("have: %v, want: %v", err, authority.ErrOrderNotFound)
	}

	o, err := c.ClaimOrder(ctx, "O1", una)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := o.ClaimedBy.ID, "u1"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	_, err = c.ClaimOrder(ctx, "O1", execution.Operator{ID: "u2"})
	var claimed *authority.ClaimedError
	if !errors.As(err, &claimed) {
		t.Fatalf("have: %v, want ClaimedError", err)
	}
	if have, want := claimed.ClaimedBy.Name, "Una"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := claimed.OrderID, "O1"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if !authority.IsRejection(err) {
		t.Error("expected rejection")
	}

	r, err := execution.NewExecutionRecord(o, una, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	r.Seq = 1
	if err = c.SaveRecord(ctx, r); err != nil {
		t.Fatal(err)
	}
	if err = c.SaveRecord(ctx, r); !errors.Is(err, authority.ErrStaleSnapshot) {
		t.Errorf("have: %v, want: %v", err, authority.ErrStaleSnapshot)
	}
	got, err := c.GetRecord(ctx, "O1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := got.Seq, int64(1); have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if err = c.UploadMedia(ctx, "m1", "image/jpeg", []byte{0xff, 0xd8, 0xff}); err != nil {
		t.Error(err)
	}

	orders, err := c.ListOrders(ctx, execution.StatusExecutionInProgress)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(orders), 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if _, err = c.CompleteOrder(ctx, "O1", execution.Operator{ID: "u2"}); !errors.Is(err, authority.ErrNotClaimOwner) {
		t.Errorf("have: %v, want: %v", err, authority.ErrNotClaimOwner)
	}
	if o, err = c.ReleaseOrder(ctx, "O1", una); err != nil {
		t.Fatal(err)
	}
	if have, want := o.Status, execution.StatusReadyToExecute; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestUnreachable(t *testing.T) {
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	c, err := New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = c.GetOrder(ctx, "O1"); !errors.Is(err, authority.ErrUnreachable) {
		t.Errorf("server error: have: %v, want: %v", err, authority.ErrUnreachable)
	}

	srv.Close()
	if _, err = c.GetOrder(ctx, "O1"); !errors.Is(err, authority.ErrUnreachable) {
		t.Errorf("closed: have: %v, want: %v", err, authority.ErrUnreachable)
	}
	if authority.IsRejection(err) {
		t.Error("transport failure is no rejection")
	}
}

func TestStatusWithoutCode(t *testing.T) {
	ctx := context.Background()
	for _, test := range []struct {
		status      int
		unreachable bool
	}{
		{http.StatusUnauthorized, false},
		{http.StatusMethodNotAllowed, false},
		{http.StatusNotFound, false},
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
	} {
		t.Run(http.StatusText(test.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, http.StatusText(test.status), test.status)
			}))
			defer srv.Close()
			c, err := New(srv.URL)
			if err != nil {
				t.Fatal(err)
			}
			_, err = c.GetOrder(ctx, "O1")
			if have, want := errors.Is(err, authority.ErrUnreachable), test.unreachable; have != want {
				t.Errorf("unreachable: have: %v, want: %v (%v)", have, want, err)
			}
			if have, want := errors.Is(err, authority.ErrRequestRejected), !test.unreachable; have != want {
				t.Errorf("refused: have: %v, want: %v (%v)", have, want, err)
			}
			if have, want := authority.IsFinal(err), !test.unreachable; have != want {
				t.Errorf("final: have: %v, want: %v", have, want)
			}
			if authority.IsRejection(err) {
				t.Error("status without code taken for a rejection")
			}
		})
	}
}
