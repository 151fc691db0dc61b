package prune

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/danceos/fail-sub001/internal/store"
	"github.com/danceos/fail-sub001/internal/trace"
)

// seedECs stores rows of the given durations, one address each, closed at
// instruction 10*i+9.
func seedECs(t *testing.T, st store.Store, v store.Variant, access trace.AccessType, base uint64, durations ...uint64) {
	t.Helper()
	rows := make([]store.ECRow, len(durations))
	for i, d := range durations {
		rows[i] = store.ECRow{
			VariantID:  v.ID,
			Address:    base + uint64(i),
			Mask:       0xFF,
			InstrBegin: 0,
			InstrEnd:   uint64(10*i + 9),
			InstrEndIP: store.Addr(0x400 + uint64(i)),
			TimeBegin:  1,
			TimeEnd:    d,
			Access:     access,
			Origin:     store.Observed,
		}
	}
	if err := st.InsertECs(context.Background(), rows); err != nil {
		t.Fatalf("InsertECs: %v", err)
	}
}

func newVariant(t *testing.T, st store.Store, name string) store.Variant {
	t.Helper()
	v, err := st.GetOrCreateVariant(context.Background(), name, "bench")
	if err != nil {
		t.Fatalf("GetOrCreateVariant: %v", err)
	}
	return v
}

func mustNew(t *testing.T, method string, opts Options) Pruner {
	t.Helper()
	p, err := New(method, opts)
	if err != nil {
		t.Fatalf("New(%s): %v", method, err)
	}
	return p
}

func pilots(t *testing.T, st store.Store, v store.Variant, method string) []store.Pilot {
	t.Helper()
	ctx := context.Background()
	id, err := st.MethodID(ctx, method)
	if err != nil {
		t.Fatalf("MethodID: %v", err)
	}
	list, err := st.ListPilots(ctx, v.ID, id)
	if err != nil {
		t.Fatalf("ListPilots: %v", err)
	}
	return list
}

type weightOf struct {
	Address uint64
	Weight  uint64
	Known   bool
}

func weights(list []store.Pilot) []weightOf {
	out := make([]weightOf, len(list))
	for i, p := range list {
		out[i] = weightOf{p.Address, p.Weight, p.KnownOutcome}
	}
	return out
}

var byAddress = cmpopts.SortSlices(func(a, b weightOf) bool { return a.Address < b.Address })

func TestNew(t *testing.T) {
	if _, err := New("exhaustive", Options{}); !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("New(exhaustive) = %v, want ErrUnknownMethod", err)
	}
	if _, err := New(MethodBasic, Options{UseKnownResults: true}); !errors.Is(err, ErrKnownResults) {
		t.Errorf("New(basic, known results) = %v, want ErrKnownResults", err)
	}
	for _, m := range Methods() {
		if p := mustNew(t, m, Options{}); p.Method() != m {
			t.Errorf("New(%s).Method() = %s", m, p.Method())
		}
	}
}

func TestBasic(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	v := newVariant(t, st, "v")
	seedECs(t, st, v, trace.Read, 0x10, 5, 7)
	seedECs(t, st, v, trace.Write, 0x20, 3, 4, 6)

	p := mustNew(t, MethodBasic, Options{})
	for run := 0; run < 2; run++ {
		res, err := p.Prune(ctx, st, v)
		if err != nil {
			t.Fatalf("Prune: %v", err)
		}
		if res.Pilots != 3 || res.Population != 2 || res.Weight != 5+7+3+4+6 {
			t.Errorf("run %d: result = %+v", run, res)
		}
	}

	got := pilots(t, st, v, MethodBasic)
	want := []weightOf{
		{0x10, 5, false},
		{0x11, 7, false},
		{0x20, 13, true},
	}
	if diff := cmp.Diff(want, weights(got)); diff != "" {
		t.Errorf("basic pilots mismatch (-want +got):\n%s", diff)
	}
	known := got[2]
	if known.InstrEnd != 9 || known.InstrEndIP != store.Addr(0x400) {
		t.Errorf("known-outcome pilot not placed at the first write EC: %+v", known)
	}
}

func TestBasic_NoWrites(t *testing.T) {
	st := store.NewMemStore()
	v := newVariant(t, st, "v")
	seedECs(t, st, v, trace.Read, 0x10, 5)
	if _, err := mustNew(t, MethodBasic, Options{}).Prune(context.Background(), st, v); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	for _, p := range pilots(t, st, v, MethodBasic) {
		if p.KnownOutcome {
			t.Errorf("known-outcome pilot created without write ECs: %+v", p)
		}
	}
}

func TestFaultExpansion_DrawsWithoutReplacement(t *testing.T) {
	st := store.NewMemStore()
	v := newVariant(t, st, "v")
	seedECs(t, st, v, trace.Read, 0x10, 90, 10)

	res, err := mustNew(t, MethodFaultExpansion, Options{SampleSize: 2, Seed: 42}).Prune(context.Background(), st, v)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	want := []weightOf{{0x10, 90, false}, {0x11, 10, false}}
	if diff := cmp.Diff(want, weights(pilots(t, st, v, MethodFaultExpansion)), byAddress); diff != "" {
		t.Errorf("pilots mismatch (-want +got):\n%s", diff)
	}
	if res.Seed != 42 || res.Weight != 100 {
		t.Errorf("result = %+v", res)
	}
}

func TestFaultExpansion_SampleSizeLargerThanPopulation(t *testing.T) {
	st := store.NewMemStore()
	v := newVariant(t, st, "v")
	seedECs(t, st, v, trace.Read, 0x10, 3, 4, 5)
	res, err := mustNew(t, MethodFaultExpansion, Options{SampleSize: 50, Seed: 1}).Prune(context.Background(), st, v)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if res.Pilots != 3 {
		t.Errorf("Pilots = %d, want 3", res.Pilots)
	}
}

func TestFaultExpansion_IncrementalSkipsDrawnECs(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	v := newVariant(t, st, "v")
	seedECs(t, st, v, trace.Read, 0x10, 2, 3, 4, 5, 6)

	first, err := mustNew(t, MethodFaultExpansion, Options{SampleSize: 2, Seed: 5}).Prune(ctx, st, v)
	if err != nil {
		t.Fatalf("first Prune: %v", err)
	}
	second, err := mustNew(t, MethodFaultExpansion, Options{SampleSize: 2, Seed: 5, Incremental: true}).Prune(ctx, st, v)
	if err != nil {
		t.Fatalf("incremental Prune: %v", err)
	}
	if first.Pilots != 2 || second.Pilots != 2 || second.Population != 3 {
		t.Errorf("first %+v, second %+v", first, second)
	}
	if n := len(pilots(t, st, v, MethodFaultExpansion)); n != 4 {
		t.Errorf("pilot count = %d, want 4", n)
	}
}

func TestSampling_WeightsSumToDraws(t *testing.T) {
	st := store.NewMemStore()
	v := newVariant(t, st, "v")
	seedECs(t, st, v, trace.Read, 0x10, 90, 10)

	res, err := mustNew(t, MethodSampling, Options{SampleSize: 100, Seed: 7}).Prune(context.Background(), st, v)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	var total uint64
	list := pilots(t, st, v, MethodSampling)
	for _, p := range list {
		total += p.Weight
	}
	if total != 100 || res.Weight != 100 {
		t.Errorf("total weight = %d (result %d), want 100", total, res.Weight)
	}
	if len(list) == 0 || len(list) > 2 {
		t.Errorf("got %d pilots, want 1 or 2", len(list))
	}
}

func TestSampling_IncrementalIsMonotonic(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	v := newVariant(t, st, "v")
	seedECs(t, st, v, trace.Read, 0x10, 1, 2, 3, 50, 8, 13, 21)

	p := mustNew(t, MethodSampling, Options{SampleSize: 20, Seed: 11, Incremental: true})
	if _, err := p.Prune(ctx, st, v); err != nil {
		t.Fatalf("first Prune: %v", err)
	}
	before := pilots(t, st, v, MethodSampling)
	second, err := p.Prune(ctx, st, v)
	if err != nil {
		t.Fatalf("second Prune: %v", err)
	}
	after := pilots(t, st, v, MethodSampling)

	weightAfter := make(map[int64]uint64)
	type ref struct {
		address, instr uint64
	}
	seen := make(map[ref]bool)
	var total uint64
	for _, q := range after {
		weightAfter[q.ID] = q.Weight
		k := ref{q.Address, q.InstrEnd}
		if seen[k] {
			t.Errorf("two pilots for %#x@%d", q.Address, q.InstrEnd)
		}
		seen[k] = true
		total += q.Weight
	}
	for _, q := range before {
		w, ok := weightAfter[q.ID]
		if !ok {
			t.Errorf("pilot %d dropped by incremental run", q.ID)
		} else if w < q.Weight {
			t.Errorf("pilot %d weight decreased from %d to %d", q.ID, q.Weight, w)
		}
	}
	if total != 40 {
		t.Errorf("total weight after two runs = %d, want 40", total)
	}
	if second.Pilots+second.Updated == 0 {
		t.Errorf("second run wrote nothing: %+v", second)
	}
}

func TestSampling_NonIncrementalReplaces(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	v := newVariant(t, st, "v")
	seedECs(t, st, v, trace.Read, 0x10, 4, 4, 4)
	p := mustNew(t, MethodSampling, Options{SampleSize: 30, Seed: 3})
	for run := 0; run < 2; run++ {
		if _, err := p.Prune(ctx, st, v); err != nil {
			t.Fatalf("Prune: %v", err)
		}
	}
	var total uint64
	for _, q := range pilots(t, st, v, MethodSampling) {
		total += q.Weight
	}
	if total != 30 {
		t.Errorf("total weight = %d, want 30", total)
	}
}

func TestUseKnownResults(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	v := newVariant(t, st, "v")
	seedECs(t, st, v, trace.Read, 0x10, 6, 9)
	seedECs(t, st, v, trace.Write, 0x30, 2)
	if _, err := mustNew(t, MethodBasic, Options{}).Prune(ctx, st, v); err != nil {
		t.Fatalf("basic Prune: %v", err)
	}

	res, err := mustNew(t, MethodFaultExpansion, Options{SampleSize: 10, Seed: 1, UseKnownResults: true}).Prune(ctx, st, v)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if res.Population != 2 {
		t.Errorf("Population = %d, want 2 (known-outcome pilot excluded)", res.Population)
	}
	want := []weightOf{{0x10, 6, false}, {0x11, 9, false}}
	if diff := cmp.Diff(want, weights(pilots(t, st, v, MethodFaultExpansion)), byAddress); diff != "" {
		t.Errorf("pilots mismatch (-want +got):\n%s", diff)
	}
}

func TestNoWeighting(t *testing.T) {
	st := store.NewMemStore()
	v := newVariant(t, st, "v")
	seedECs(t, st, v, trace.Read, 0x10, 1000000, 1)
	res, err := mustNew(t, MethodSampling, Options{SampleSize: 2000, Seed: 9, NoWeighting: true}).Prune(context.Background(), st, v)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if res.Pilots != 2 {
		t.Errorf("Pilots = %d, want both ECs drawn", res.Pilots)
	}
}

type failing struct {
	Pruner
	bad string
}

func (f failing) Prune(ctx context.Context, st store.Store, v store.Variant) (Result, error) {
	if v.Variant == f.bad {
		return Result{Variant: v}, errors.New("boom")
	}
	return f.Pruner.Prune(ctx, st, v)
}

func TestRunAll(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	var variants []store.Variant
	for _, name := range []string{"a", "b", "c", "d"} {
		v := newVariant(t, st, name)
		seedECs(t, st, v, trace.Read, 0x10, 3, 5)
		variants = append(variants, v)
	}
	open := func(context.Context) (store.Store, error) { return st, nil }
	p := failing{Pruner: mustNew(t, MethodBasic, Options{}), bad: "c"}

	outcomes, err := RunAll(ctx, open, variants, p, 3)
	if err == nil {
		t.Fatal("RunAll returned no error for a failing variant")
	}
	for i, o := range outcomes {
		if o.Variant != variants[i] {
			t.Errorf("outcome %d is for %v, want %v", i, o.Variant, variants[i])
		}
		if (o.Err != nil) != (o.Variant.Variant == "c") {
			t.Errorf("outcome %s: err = %v", o.Variant, o.Err)
		}
		if o.Err == nil && o.Pilots != 2 {
			t.Errorf("outcome %s: Pilots = %d, want 2", o.Variant, o.Pilots)
		}
	}

	openErr := errors.New("no db")
	_, err = RunAll(ctx, func(context.Context) (store.Store, error) { return nil, openErr }, variants[:1], p, 1)
	if !errors.Is(err, openErr) {
		t.Errorf("RunAll error = %v, want open error", err)
	}
}
