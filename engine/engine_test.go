package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/protravka/protravka/authority"
	authinmem "github.com/protravka/protravka/authority/storage/inmem"
	"github.com/protravka/protravka/capture"
	"github.com/protravka/protravka/capture/static"
	"github.com/protravka/protravka/claim"
	"github.com/protravka/protravka/engine/storage"
	storeinmem "github.com/protravka/protravka/engine/storage/inmem"
	"github.com/protravka/protravka/execution"
	"github.com/protravka/protravka/gateway"
	"github.com/protravka/protravka/gateway/queue"
	queueinmem "github.com/protravka/protravka/gateway/queue/inmem"
	"github.com/protravka/protravka/resilient"

	"github.com/shopspring/decimal"
)

var (
	alice = execution.Operator{ID: "alice", Name: "Alice"}
	bob   = execution.Operator{ID: "bob", Name: "Bob"}
)

// remote is the authority service reached over a network that can
// be taken down per call.
type remote struct {
	*authority.Service

	mu     sync.Mutex
	down   map[string]bool
	reject map[string]error

	// lostReply makes SaveRecord succeed but report a transport failure.
	lostReply bool

	// lostComplete does the same for CompleteOrder.
	lostComplete bool
}

// setReject makes call fail with err without reaching the service.
func (r *remote) setReject(call string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reject[call] = err
}

func (r *remote) setDown(call string, down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down[call] = down
}

func (r *remote) fail(call string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down[call] || r.down["*"] {
		return fmt.Errorf("%w: %s: connection refused", authority.ErrUnreachable, call)
	}
	return r.reject[call]
}

func (r *remote) ClaimOrder(ctx context.Context, id string, op execution.Operator) (*execution.Order, error) {
	if err := r.fail("claim"); err != nil {
		return nil, err
	}
	return r.Service.ClaimOrder(ctx, id, op)
}

func (r *remote) GetOrder(ctx context.Context, id string) (*execution.Order, error) {
	if err := r.fail("get_order"); err != nil {
		return nil, err
	}
	return r.Service.GetOrder(ctx, id)
}

func (r *remote) ReleaseOrder(ctx context.Context, id string, op execution.Operator) (*execution.Order, error) {
	if err := r.fail("release"); err != nil {
		return nil, err
	}
	return r.Service.ReleaseOrder(ctx, id, op)
}

func (r *remote) CompleteOrder(ctx context.Context, id string, op execution.Operator) (*execution.Order, error) {
	if err := r.fail("complete"); err != nil {
		return nil, err
	}
	o, err := r.Service.CompleteOrder(ctx, id, op)
	r.mu.Lock()
	lost := r.lostComplete
	r.mu.Unlock()
	if err == nil && lost {
		return nil, fmt.Errorf("%w: reply lost", authority.ErrUnreachable)
	}
	return o, err
}

func (r *remote) GetRecord(ctx context.Context, id string) (*execution.ExecutionRecord, error) {
	if err := r.fail("get_record"); err != nil {
		return nil, err
	}
	return r.Service.GetRecord(ctx, id)
}

func (r *remote) SaveRecord(ctx context.Context, rec *execution.ExecutionRecord) error {
	if err := r.fail("save"); err != nil {
		return err
	}
	raw, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = r.Service.SaveRecord(ctx, raw)
	r.mu.Lock()
	lost := r.lostReply
	r.mu.Unlock()
	if err == nil && lost {
		return fmt.Errorf("%w: reply lost", authority.ErrUnreachable)
	}
	return err
}

func (r *remote) UploadMedia(ctx context.Context, id, contentType string, data []byte) error {
	if err := r.fail("upload"); err != nil {
		return err
	}
	return r.Service.PutMedia(ctx, id, contentType, data)
}

// device is one operator device: its engine and local state.
type device struct {
	e      *Engine
	store  *storeinmem.InMem
	queue  *queueinmem.InMem
	gw     *gateway.Gateway
	camera *static.Service
}

type fixture struct {
	svc    *authority.Service
	remote *remote
}

func testCaller() *resilient.Caller {
	return resilient.New(
		resilient.WithAttempts(1),
		resilient.WithRetryDelay(time.Millisecond),
		resilient.WithTimeout(5*time.Second),
	)
}

func newFixture(t *testing.T, products int) *fixture {
	t.Helper()
	svc := authority.New(authinmem.New())
	o := &execution.Order{
		ID:             "O1",
		Status:         execution.StatusReadyToExecute,
		SeedsToTreatKg: decimal.NewFromInt(1000),
	}
	for i := 0; i < products; i++ {
		o.Products = append(o.Products, execution.OrderProduct{
			ProductID: fmt.Sprintf("P%d", i),
			RateKg:    decimal.NewFromInt(int64(10 + i)),
		})
	}
	if err := svc.PutOrder(context.Background(), o); err != nil {
		t.Fatal(err)
	}
	return &fixture{svc: svc, remote: &remote{
		Service: svc,
		down:    make(map[string]bool),
		reject:  make(map[string]error),
	}}
}

func (f *fixture) newDevice() *device {
	d := &device{
		store:  storeinmem.New(),
		queue:  queueinmem.New(),
		camera: static.New([]byte{0xff, 0xd8, 0xff, 0xe0}, "cam0"),
	}
	caller := testCaller()
	d.gw = gateway.New(f.remote, d.queue, d.store, gateway.WithCaller(caller))
	d.e = New(d.store, f.remote, d.gw, d.camera, WithCaller(caller))
	return d
}

// satisfy does what the current step needs to be left.
func satisfy(t *testing.T, s *Session, method execution.Method) {
	t.Helper()
	ctx := context.Background()
	v := s.View()
	var err error
	switch v.Step {
	case execution.StepInitialOverview,
		execution.StepAllProductsOverview,
		execution.StepTreatingConfirmation,
		execution.StepCompletion:
		err = s.Affirm(ctx)
	case execution.StepApplicationMethodChoice:
		err = s.ChooseMethod(ctx, method)
	case execution.StepApplyingProduct:
		err = s.EnterAppliedRate(ctx, decimal.NewFromInt(int64(10+v.ProductIndex)))
	case execution.StepPackingDetails:
		err = s.EnterPackedQuantity(ctx, decimal.NewFromInt(990))
	case execution.StepConsumptionDetails:
		err = s.EnterConsumption(ctx, decimal.NewFromInt(int64(3+v.ProductIndex)))
	case execution.StepProvingProduct,
		execution.StepPackingProving,
		execution.StepConsumptionProving:
		_, err = s.CapturePhoto(ctx)
	}
	if err != nil {
		t.Fatalf("satisfying %s: %v", v.Step, err)
	}
}

// runTo walks s until it reaches step, returning the visited positions.
func runTo(t *testing.T, s *Session, method execution.Method, step execution.Step) []execution.Position {
	t.Helper()
	var visited []execution.Position
	for i := 0; s.View().Step != step; i++ {
		if i > 200 {
			t.Fatal("workflow does not end")
		}
		v := s.View()
		visited = append(visited, execution.Position{Step: v.Step, ProductIndex: v.ProductIndex})
		if v.ProductIndex < 0 || v.ProductIndex >= v.ProductCount {
			t.Fatalf("product index %d out of range at %s", v.ProductIndex, v.Step)
		}
		satisfy(t, s, method)
		if err := s.Next(context.Background()); err != nil {
			t.Fatalf("leaving %s: %v", v.Step, err)
		}
	}
	return visited
}

func finish(t *testing.T, s *Session) {
	t.Helper()
	if err := s.Affirm(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestCompleteRun(t *testing.T) {
	ctx := context.Background()
	for _, n := range []int{1, 5, 20} {
		for _, method := range []execution.Method{execution.MethodSlurry, execution.MethodCDS} {
			t.Run(fmt.Sprintf("%d-%s", n, method), func(t *testing.T) {
				f := newFixture(t, n)
				d := f.newDevice()
				s, err := d.e.Start(ctx, "O1", alice)
				if err != nil {
					t.Fatal(err)
				}

				visited := runTo(t, s, method, execution.StepCompletion)
				applying, proving := 0, 0
				for _, p := range visited {
					switch p.Step {
					case execution.StepApplyingProduct:
						if p.ProductIndex != applying {
							t.Errorf("applying product %d, want %d", p.ProductIndex, applying)
						}
						applying++
					case execution.StepProvingProduct:
						proving++
					case execution.StepAllProductsOverview:
						if applying != n || proving != n {
							t.Errorf("have: %d/%d pairs before overview, want: %d", applying, proving, n)
						}
					}
				}

				finish(t, s)
				v := s.View()
				if !v.Finished {
					t.Error("expected finished")
				}
				if have, want := v.OrderStatus, execution.StatusAwaitingAcknowledgement; have != want {
					t.Errorf("have: %v, want: %v", have, want)
				}
				if v.CameraOpen || d.camera.OpenCount() != 0 {
					t.Error("camera held after completion")
				}
				if _, err = d.store.RetrieveRecord(ctx, "O1"); !errors.Is(err, storage.ErrRecordNotFound) {
					t.Errorf("have: %v, want: %v", err, storage.ErrRecordNotFound)
				}

				r, err := f.svc.GetRecord(ctx, "O1")
				if err != nil {
					t.Fatal(err)
				}
				if r.TreatmentStartedAt.IsZero() || r.TreatmentFinishedAt.IsZero() {
					t.Error("treatment timestamps not recorded")
				}
				consumption := 0
				for _, pe := range r.ProductExecutions {
					if pe.ProductConsumptionPerLotKg.Valid {
						consumption++
					}
				}
				want := 0
				if method == execution.MethodCDS {
					want = n
				}
				if consumption != want {
					t.Errorf("have: %d product consumptions, want: %d", consumption, want)
				}

				if err = s.Next(ctx); !errors.Is(err, ErrFinished) {
					t.Errorf("have: %v, want: %v", err, ErrFinished)
				}
			})
		}
	}
}

func TestSlurryTwoProducts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	s, err := f.newDevice().e.Start(ctx, "O1", alice)
	if err != nil {
		t.Fatal(err)
	}
	runTo(t, s, execution.MethodSlurry, execution.StepAllProductsOverview)

	r := s.Record()
	if have, want := len(r.ProductExecutions), 2; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := r.CurrentProductIndex, 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	for i, want := range []int64{10, 11} {
		if have := r.ProductExecutions[i].AppliedRateKg.Decimal; !have.Equal(decimal.NewFromInt(want)) {
			t.Errorf("product %d: have: %v, want: %v", i, have, want)
		}
		if r.ProductExecutions[i].ApplicationPhoto == "" {
			t.Errorf("product %d: missing photo", i)
		}
	}

	runTo(t, s, execution.MethodSlurry, execution.StepPackingProving)
	if have, want := s.Record().CurrentProductIndex, 1; have != want {
		t.Errorf("index before packing proving: have: %v, want: %v", have, want)
	}
	runTo(t, s, execution.MethodSlurry, execution.StepConsumptionDetails)
	if have, want := s.Record().CurrentProductIndex, 0; have != want {
		t.Errorf("index after packing proving: have: %v, want: %v", have, want)
	}
}

func TestPackingShortage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	s, err := f.newDevice().e.Start(ctx, "O1", alice)
	if err != nil {
		t.Fatal(err)
	}
	runTo(t, s, execution.MethodCDS, execution.StepPackingDetails)

	for _, test := range []struct {
		packed int64
		want   int64
	}{
		{900, 100},
		{1000, 0},
		{1200, 0},
	} {
		if err = s.EnterPackedQuantity(ctx, decimal.NewFromInt(test.packed)); err != nil {
			t.Fatal(err)
		}
		v := s.View()
		if !v.PackingShortageKg.Valid {
			t.Fatal("shortage not available")
		}
		if have := v.PackingShortageKg.Decimal; !have.Equal(decimal.NewFromInt(test.want)) {
			t.Errorf("packed %d: have: %v, want: %v", test.packed, have, test.want)
		}
	}
	// a shortage does not block
	if err = s.Next(ctx); err != nil {
		t.Error(err)
	}
}

func TestGates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	s, err := f.newDevice().e.Start(ctx, "O1", alice)
	if err != nil {
		t.Fatal(err)
	}

	var gateErr *execution.GateError
	if err = s.Next(ctx); !errors.As(err, &gateErr) {
		t.Fatalf("unaffirmed: have: %v, want GateError", err)
	}
	if have, want := gateErr.Step, execution.StepInitialOverview; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if err = s.EnterAppliedRate(ctx, decimal.NewFromInt(1)); !errors.Is(err, ErrWrongStep) {
		t.Errorf("have: %v, want: %v", err, ErrWrongStep)
	}
	if _, err = s.CapturePhoto(ctx); !errors.Is(err, ErrWrongStep) {
		t.Errorf("have: %v, want: %v", err, ErrWrongStep)
	}

	runTo(t, s, execution.MethodSlurry, execution.StepApplicationMethodChoice)
	if err = s.Next(ctx); !errors.Is(err, execution.ErrGateNotMet) {
		t.Errorf("no method: have: %v, want: %v", err, execution.ErrGateNotMet)
	}
	if err = s.ChooseMethod(ctx, "spray"); !errors.Is(err, execution.ErrInvalidMethod) {
		t.Errorf("have: %v, want: %v", err, execution.ErrInvalidMethod)
	}

	runTo(t, s, execution.MethodSlurry, execution.StepApplyingProduct)
	if err = s.Next(ctx); !errors.Is(err, execution.ErrGateNotMet) {
		t.Errorf("no rate: have: %v, want: %v", err, execution.ErrGateNotMet)
	}
	for _, rate := range []int64{0, -5} {
		if err = s.EnterAppliedRate(ctx, decimal.NewFromInt(rate)); err != nil {
			t.Fatal(err)
		}
		if err = s.Next(ctx); !errors.Is(err, execution.ErrGateNotMet) {
			t.Errorf("rate %d: have: %v, want: %v", rate, err, execution.ErrGateNotMet)
		}
	}
	if err = s.ChooseMethod(ctx, execution.MethodCDS); !errors.Is(err, ErrWrongStep) {
		t.Errorf("method after choice: have: %v, want: %v", err, ErrWrongStep)
	}

	if err = s.EnterAppliedRate(ctx, decimal.NewFromInt(10)); err != nil {
		t.Fatal(err)
	}
	if err = s.Next(ctx); err != nil {
		t.Fatal(err)
	}
	if err = s.Next(ctx); !errors.Is(err, execution.ErrGateNotMet) {
		t.Errorf("no photo: have: %v, want: %v", err, execution.ErrGateNotMet)
	}
	if have, want := s.View().Step, execution.StepProvingProduct; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestClaimConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	if _, err := f.svc.ClaimOrder(ctx, "O1", bob); err != nil {
		t.Fatal(err)
	}
	d := f.newDevice()
	_, err := d.e.Start(ctx, "O1", alice)
	var conflict *claim.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("have: %v, want ConflictError", err)
	}
	if have, want := conflict.ClaimedBy.Name, "Bob"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	records, err := d.store.ListRecords(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(records), 0; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestSequentialClaims(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	devices := []*device{f.newDevice(), f.newDevice()}

	if _, err := devices[0].e.Start(ctx, "O1", alice); err != nil {
		t.Fatal(err)
	}
	if _, err := devices[1].e.Start(ctx, "O1", bob); !errors.Is(err, claim.ErrAlreadyClaimed) {
		t.Errorf("have: %v, want: %v", err, claim.ErrAlreadyClaimed)
	}
	total := 0
	for _, d := range devices {
		records, err := d.store.ListRecords(ctx)
		if err != nil {
			t.Fatal(err)
		}
		total += len(records)
	}
	if have, want := total, 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if _, err := devices[0].e.Start(ctx, "O1", alice); !errors.Is(err, ErrActiveRecord) {
		t.Errorf("have: %v, want: %v", err, ErrActiveRecord)
	}
}

func TestClaimIndeterminate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	d := f.newDevice()
	f.remote.setDown("*", true)

	if _, err := d.e.Start(ctx, "O1", alice); !errors.Is(err, claim.ErrIndeterminate) {
		t.Fatalf("have: %v, want: %v", err, claim.ErrIndeterminate)
	}
	if _, err := d.store.RetrieveRecord(ctx, "O1"); !errors.Is(err, storage.ErrRecordNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrRecordNotFound)
	}

	// the claim went through but its reply was lost
	f.remote.setDown("*", false)
	if _, err := f.svc.ClaimOrder(ctx, "O1", alice); err != nil {
		t.Fatal(err)
	}
	f.remote.setDown("claim", true)
	s, err := d.e.Start(ctx, "O1", alice)
	if err != nil {
		t.Fatalf("reconciled claim: %v", err)
	}
	if have, want := s.View().Step, execution.StepInitialOverview; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestCheckpointRollback(t *testing.T) {
	ctx := context.Background()
	for _, test := range []struct {
		name string
		step execution.Step
		call string
	}{
		{"overview save", execution.StepAllProductsOverview, "save"},
		{"completion save", execution.StepCompletion, "save"},
		{"completion status", execution.StepCompletion, "complete"},
	} {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t, 2)
			d := f.newDevice()
			s, err := d.e.Start(ctx, "O1", alice)
			if err != nil {
				t.Fatal(err)
			}
			runTo(t, s, execution.MethodCDS, test.step)
			seq := s.Record().Seq

			f.remote.setDown(test.call, true)
			if err = s.Affirm(ctx); err != nil {
				t.Fatal(err)
			}
			err = s.Next(ctx)
			var cpErr *CheckpointError
			if !errors.As(err, &cpErr) {
				t.Fatalf("have: %v, want CheckpointError", err)
			}
			spec, _ := execution.Spec(test.step)
			if have, want := cpErr.Rollback, spec.Rollback; have != want {
				t.Errorf("have: %v, want: %v", have, want)
			}
			if !errors.Is(err, authority.ErrUnreachable) {
				t.Errorf("cause: have: %v, want: %v", err, authority.ErrUnreachable)
			}

			r := s.Record()
			if have, want := r.CurrentStep, spec.Rollback; have != want {
				t.Errorf("have: %v, want: %v", have, want)
			}
			if r.Seq <= seq {
				t.Errorf("seq reused: have: %d, want > %d", r.Seq, seq)
			}
			if test.step == execution.StepAllProductsOverview && !r.TreatmentStartedAt.IsZero() {
				t.Error("treatment start recorded")
			}
			if !r.TreatmentFinishedAt.IsZero() {
				t.Error("treatment finish recorded")
			}
			local, err := d.store.RetrieveRecord(ctx, "O1")
			if err != nil {
				t.Fatal(err)
			}
			if have, want := local.CurrentStep, spec.Rollback; have != want {
				t.Errorf("local: have: %v, want: %v", have, want)
			}
			if s.View().Affirmed {
				t.Error("affirmation kept after rollback")
			}

			f.remote.setDown(test.call, false)
			if err = s.Affirm(ctx); err != nil {
				t.Fatal(err)
			}
			if err = s.Next(ctx); err != nil {
				t.Errorf("retry: %v", err)
			}
		})
	}
}

func TestRejectedSnapshotRollback(t *testing.T) {
	ctx := context.Background()
	for _, test := range []struct {
		step     execution.Step
		rollback execution.Step
		after    execution.Step
	}{
		{execution.StepProvingProduct, execution.StepApplyingProduct, execution.StepAllProductsOverview},
		{execution.StepConsumptionProving, execution.StepConsumptionDetails, execution.StepCompletion},
	} {
		t.Run(string(test.step), func(t *testing.T) {
			f := newFixture(t, 2)
			d := f.newDevice()
			s, err := d.e.Start(ctx, "O1", alice)
			if err != nil {
				t.Fatal(err)
			}
			// second product
			runTo(t, s, execution.MethodCDS, test.step)
			satisfy(t, s, execution.MethodCDS)
			if err = s.Next(ctx); err != nil {
				t.Fatal(err)
			}
			runTo(t, s, execution.MethodCDS, test.step)
			if have, want := s.View().ProductIndex, 1; have != want {
				t.Fatalf("have: %v, want: %v", have, want)
			}
			satisfy(t, s, execution.MethodCDS)
			seq := s.Record().Seq

			f.remote.setReject("save", authority.ErrStaleSnapshot)
			err = s.Next(ctx)
			var cpErr *CheckpointError
			if !errors.As(err, &cpErr) {
				t.Fatalf("have: %v, want CheckpointError", err)
			}
			if have, want := cpErr.Rollback, test.rollback; have != want {
				t.Errorf("have: %v, want: %v", have, want)
			}
			if !errors.Is(err, authority.ErrStaleSnapshot) {
				t.Errorf("cause: have: %v, want: %v", err, authority.ErrStaleSnapshot)
			}

			v := s.View()
			if have, want := v.Step, test.rollback; have != want {
				t.Errorf("have: %v, want: %v", have, want)
			}
			if have, want := v.ProductIndex, 1; have != want {
				t.Errorf("product index: have: %v, want: %v", have, want)
			}
			if v.CameraOpen || d.camera.OpenCount() != 0 {
				t.Error("camera held after rollback")
			}
			if s.Record().Seq <= seq {
				t.Errorf("seq reused: have: %d, want > %d", s.Record().Seq, seq)
			}
			local, err := d.store.RetrieveRecord(ctx, "O1")
			if err != nil {
				t.Fatal(err)
			}
			if have, want := local.CurrentStep, test.rollback; have != want {
				t.Errorf("local: have: %v, want: %v", have, want)
			}

			f.remote.setReject("save", nil)
			runTo(t, s, execution.MethodCDS, test.after)
			r, err := f.svc.GetRecord(ctx, "O1")
			if err != nil {
				t.Fatal(err)
			}
			if have, want := r.CurrentStep, test.after; have != want {
				t.Errorf("accepted: have: %v, want: %v", have, want)
			}
		})
	}
}

func TestLostCompletionReply(t *testing.T) {
	ctx := context.Background()
	for _, test := range []struct {
		name    string
		offline bool
	}{
		{"reconciled", false},
		{"retried", true},
	} {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t, 1)
			d := f.newDevice()
			s, err := d.e.Start(ctx, "O1", alice)
			if err != nil {
				t.Fatal(err)
			}
			runTo(t, s, execution.MethodSlurry, execution.StepCompletion)
			if err = s.Affirm(ctx); err != nil {
				t.Fatal(err)
			}

			f.remote.mu.Lock()
			f.remote.lostComplete = true
			f.remote.mu.Unlock()
			f.remote.setDown("get_order", test.offline)
			err = s.Next(ctx)
			f.remote.mu.Lock()
			f.remote.lostComplete = false
			f.remote.mu.Unlock()
			f.remote.setDown("get_order", false)

			if test.offline {
				var cpErr *CheckpointError
				if !errors.As(err, &cpErr) {
					t.Fatalf("have: %v, want CheckpointError", err)
				}
				if !errors.Is(err, authority.ErrUnreachable) {
					t.Errorf("cause: have: %v, want: %v", err, authority.ErrUnreachable)
				}
				if err = s.Affirm(ctx); err != nil {
					t.Fatal(err)
				}
				err = s.Next(ctx)
			}
			if err != nil {
				t.Fatalf("have: %v, want: <nil>", err)
			}

			v := s.View()
			if !v.Finished {
				t.Error("expected finished")
			}
			if have, want := v.OrderStatus, execution.StatusAwaitingAcknowledgement; have != want {
				t.Errorf("have: %v, want: %v", have, want)
			}
			if _, err = d.store.RetrieveRecord(ctx, "O1"); !errors.Is(err, storage.ErrRecordNotFound) {
				t.Errorf("have: %v, want: %v", err, storage.ErrRecordNotFound)
			}
		})
	}
}

func TestLostCheckpointReply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	s, err := f.newDevice().e.Start(ctx, "O1", alice)
	if err != nil {
		t.Fatal(err)
	}
	runTo(t, s, execution.MethodSlurry, execution.StepAllProductsOverview)
	if err = s.Affirm(ctx); err != nil {
		t.Fatal(err)
	}

	f.remote.mu.Lock()
	f.remote.lostReply = true
	f.remote.mu.Unlock()
	if err = s.Next(ctx); err == nil {
		t.Fatal("expected error")
	}
	f.remote.mu.Lock()
	f.remote.lostReply = false
	f.remote.mu.Unlock()

	// the accepted snapshot does not make the retry stale
	if err = s.Affirm(ctx); err != nil {
		t.Fatal(err)
	}
	if err = s.Next(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if have, want := s.View().Step, execution.StepTreatingConfirmation; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestOfflineSnapshots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	d := f.newDevice()
	s, err := d.e.Start(ctx, "O1", alice)
	if err != nil {
		t.Fatal(err)
	}

	f.remote.setDown("save", true)
	f.remote.setDown("upload", true)
	runTo(t, s, execution.MethodCDS, execution.StepAllProductsOverview)

	entries, err := d.queue.RetrieveEntries(ctx, queue.ChannelRecord)
	if err != nil {
		t.Fatal(err)
	}
	// one entry per save: overview, method choice and two proving steps
	if have, want := len(entries), 4; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	media, err := d.queue.RetrieveEntries(ctx, queue.ChannelMedia)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(media), 2; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	f.remote.setDown("save", false)
	f.remote.setDown("upload", false)
	if _, err = gateway.NewWorker(d.gw).Flush(ctx); err != nil {
		t.Fatal(err)
	}
	r, err := f.svc.GetRecord(ctx, "O1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := r.CurrentStep, execution.StepAllProductsOverview; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	photo := r.ProductExecutions[1].ApplicationPhoto
	if _, _, err = f.svc.GetMedia(ctx, photo); err != nil {
		t.Errorf("photo %s: %v", photo, err)
	}
}

func TestCapture(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	d := f.newDevice()
	s, err := d.e.Start(ctx, "O1", alice)
	if err != nil {
		t.Fatal(err)
	}
	runTo(t, s, execution.MethodSlurry, execution.StepApplyingProduct)
	if s.View().CameraOpen {
		t.Error("camera open outside photo step")
	}
	runTo(t, s, execution.MethodSlurry, execution.StepProvingProduct)
	if !s.View().CameraOpen {
		t.Error("camera not open at photo step")
	}

	d.camera.SetCaptureError(&capture.Error{Kind: capture.ErrPermissionDenied, Device: "cam0"})
	if _, err = s.CapturePhoto(ctx); !errors.Is(err, capture.ErrPermissionDenied) {
		t.Errorf("have: %v, want: %v", err, capture.ErrPermissionDenied)
	}
	if have, want := s.View().Step, execution.StepProvingProduct; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	d.camera.SetCaptureError(nil)

	satisfy(t, s, execution.MethodSlurry)
	if err = s.Next(ctx); err != nil {
		t.Fatal(err)
	}
	if s.View().CameraOpen || d.camera.OpenCount() != 0 {
		t.Error("camera held after leaving photo step")
	}

	runTo(t, s, execution.MethodSlurry, execution.StepProvingProduct)
	if err = s.Abandon(ctx); err != nil {
		t.Fatal(err)
	}
	if d.camera.OpenCount() != 0 {
		t.Error("camera held after abandonment")
	}
	o, err := f.svc.GetOrder(ctx, "O1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := o.Status, execution.StatusReadyToExecute; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if _, err = d.store.RetrieveRecord(ctx, "O1"); !errors.Is(err, storage.ErrRecordNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrRecordNotFound)
	}

	// a new execution after abandonment starts over
	s, err = d.e.Start(ctx, "O1", alice)
	if err != nil {
		t.Fatal(err)
	}
	runTo(t, s, execution.MethodCDS, execution.StepApplyingProduct)
}

func TestTransitionInFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	s, err := f.newDevice().e.Start(ctx, "O1", alice)
	if err != nil {
		t.Fatal(err)
	}
	s.busy.Lock()
	if err = s.Next(ctx); !errors.Is(err, ErrTransitionInFlight) {
		t.Errorf("have: %v, want: %v", err, ErrTransitionInFlight)
	}
	if err = s.Affirm(ctx); !errors.Is(err, ErrTransitionInFlight) {
		t.Errorf("have: %v, want: %v", err, ErrTransitionInFlight)
	}
	// views do not wait for actions
	if have, want := s.View().Step, execution.StepInitialOverview; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	s.busy.Unlock()
	if err = s.Affirm(ctx); err != nil {
		t.Error(err)
	}
}

func TestResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	d := f.newDevice()
	s, err := d.e.Start(ctx, "O1", alice)
	if err != nil {
		t.Fatal(err)
	}
	runTo(t, s, execution.MethodCDS, execution.StepProvingProduct)
	runTo(t, s, execution.MethodCDS, execution.StepApplyingProduct)
	if err = s.EnterAppliedRate(ctx, decimal.NewFromInt(7)); err != nil {
		t.Fatal(err)
	}
	if err = s.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err = d.e.Resume(ctx, "O1", bob); !errors.Is(err, ErrNotRecordOwner) {
		t.Errorf("have: %v, want: %v", err, ErrNotRecordOwner)
	}

	s, err = d.e.Resume(ctx, "O1", alice)
	if err != nil {
		t.Fatal(err)
	}
	v := s.View()
	if have, want := v.Step, execution.StepApplyingProduct; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := v.ProductIndex, 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if !v.Entry.AppliedRateKg.Decimal.Equal(decimal.NewFromInt(7)) {
		t.Errorf("entered rate lost: %v", v.Entry.AppliedRateKg)
	}
	if v.Target == nil || v.Target.ProductID != "P1" {
		t.Errorf("have target: %v, want P1", v.Target)
	}

	// offline resume works from the local record
	f.remote.setDown("get_order", true)
	s, err = d.e.Resume(ctx, "O1", alice)
	if err != nil {
		t.Fatal(err)
	}
	if s.View().Target != nil {
		t.Error("expected no order details offline")
	}
	f.remote.setDown("get_order", false)

	// a new device recovers from the last accepted snapshot
	s, err = f.newDevice().e.Resume(ctx, "O1", alice)
	if err != nil {
		t.Fatal(err)
	}
	v = s.View()
	if have, want := v.Step, execution.StepApplyingProduct; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := v.ProductIndex, 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	runTo(t, s, execution.MethodCDS, execution.StepAllProductsOverview)
}

func TestResumeAfterReclaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	d := f.newDevice()
	s, err := d.e.Start(ctx, "O1", alice)
	if err != nil {
		t.Fatal(err)
	}
	runTo(t, s, execution.MethodCDS, execution.StepApplyingProduct)
	if err = s.Close(); err != nil {
		t.Fatal(err)
	}

	// released and claimed again elsewhere
	if _, err = f.svc.ReleaseOrder(ctx, "O1", alice); err != nil {
		t.Fatal(err)
	}
	o, err := f.svc.ClaimOrder(ctx, "O1", alice)
	if err != nil {
		t.Fatal(err)
	}

	s, err = d.e.Resume(ctx, "O1", alice)
	if err != nil {
		t.Fatal(err)
	}
	r := s.Record()
	if have, want := r.ClaimEpoch, o.ClaimEpoch; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := r.CurrentStep, execution.StepInitialOverview; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	runTo(t, s, execution.MethodCDS, execution.StepApplyingProduct)
	accepted, err := f.svc.GetRecord(ctx, "O1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := accepted.ClaimEpoch, o.ClaimEpoch; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestClaimLost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	d := f.newDevice()
	s, err := d.e.Start(ctx, "O1", alice)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = f.svc.ReleaseOrder(ctx, "O1", alice); err != nil {
		t.Fatal(err)
	}
	if _, err = f.svc.ClaimOrder(ctx, "O1", bob); err != nil {
		t.Fatal(err)
	}

	if err = s.Affirm(ctx); err != nil {
		t.Fatal(err)
	}
	if err = s.Next(ctx); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("have: %v, want: %v", err, ErrClaimLost)
	}
	if !s.View().Finished {
		t.Error("expected session finished")
	}
	if _, err = d.store.RetrieveRecord(ctx, "O1"); !errors.Is(err, storage.ErrRecordNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrRecordNotFound)
	}
	if _, err = d.e.Resume(ctx, "O1", alice); !errors.Is(err, ErrClaimLost) {
		t.Errorf("have: %v, want: %v", err, ErrClaimLost)
	}
}
