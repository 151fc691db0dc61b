package ecextract

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/danceos/fail-sub001/internal/faultspace"
	"github.com/danceos/fail-sub001/internal/store"
	"github.com/danceos/fail-sub001/internal/trace"
)

type rowSink struct{ rows []store.ECRow }

func (s *rowSink) Add(r store.ECRow) error {
	s.rows = append(s.rows, r)
	return nil
}

func fetch(ip uint64) trace.Event {
	return trace.Event{Kind: trace.Fetch, IP: ip, TimeDelta: 1}
}

func access(addr uint64, mask uint8, typ trace.AccessType) trace.Event {
	return trace.Event{Kind: trace.MemAccess, Addr: addr, Width: 1, Mask: mask, Access: typ}
}

// program returns n fetches at ip 0x1000+4*i with extra events inserted
// after the fetch of the given instructions.
func program(n int, extra map[int][]trace.Event) []trace.Event {
	var evs []trace.Event
	for i := 0; i < n; i++ {
		evs = append(evs, fetch(0x1000+4*uint64(i)))
		evs = append(evs, extra[i]...)
	}
	return evs
}

func mustSpace(t *testing.T, areas ...faultspace.Area) *faultspace.Space {
	t.Helper()
	s, err := faultspace.NewSpace(areas...)
	if err != nil {
		t.Fatalf("NewSpace: %v", err)
	}
	return s
}

func runImport(t *testing.T, opts ImportOptions, events []trace.Event) ([]store.ECRow, Stats) {
	t.Helper()
	im, err := NewImporter(mustSpace(t), opts)
	if err != nil {
		t.Fatalf("NewImporter: %v", err)
	}
	var sink rowSink
	st, err := im.Run(trace.NewSliceReader(events), &sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return sink.rows, st
}

func ec(addr uint64, mask uint8, i1, i2, t1, t2 uint64, typ trace.AccessType, origin store.Origin) store.ECRow {
	r := store.ECRow{
		Address: addr, Mask: mask,
		InstrBegin: i1, InstrEnd: i2, TimeBegin: t1, TimeEnd: t2,
		Access: typ, Origin: origin,
	}
	if i1 > 0 {
		r.InstrBeginIP = store.Addr(0x1000 + 4*(i1-1))
	}
	r.InstrEndIP = store.Addr(0x1000 + 4*i2)
	return r
}

func TestImport_NeverAccessedElement(t *testing.T) {
	mm := faultspace.NewMemoryMap()
	mm.Add(0x42, 1)
	rows, st := runImport(t, ImportOptions{RightMargin: trace.Read, MemoryMap: mm}, program(100, nil))

	want := []store.ECRow{ec(0x42, 0xFF, 0, 99, 1, 100, trace.Read, store.SyntheticUnused)}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
	if st.Instructions != 100 || st.Rows != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestImport_WriteReadClose(t *testing.T) {
	events := program(100, map[int][]trace.Event{
		10: {access(0x42, 0x0F, trace.Write)},
		50: {access(0x42, 0x0F, trace.Read)},
	})
	observed := []store.ECRow{
		ec(0x42, 0x0F, 0, 10, 1, 11, trace.Write, store.Observed),
		ec(0x42, 0x0F, 11, 50, 12, 51, trace.Read, store.Observed),
	}
	closing := ec(0x42, 0x0F, 51, 99, 52, 100, trace.Write, store.SyntheticClosing)

	t.Run("no region", func(t *testing.T) {
		rows, _ := runImport(t, ImportOptions{RightMargin: trace.Write}, events)
		want := append(append([]store.ECRow(nil), observed...), closing)
		if diff := cmp.Diff(want, rows); diff != "" {
			t.Errorf("rows mismatch (-want +got):\n%s", diff)
		}
	})
	t.Run("region", func(t *testing.T) {
		mm := faultspace.NewMemoryMap()
		mm.Add(0x40, 4)
		rows, _ := runImport(t, ImportOptions{RightMargin: trace.Write, MemoryMap: mm}, events)
		want := append(append([]store.ECRow(nil), observed...),
			ec(0x40, 0xFF, 0, 99, 1, 100, trace.Write, store.SyntheticUnused),
			ec(0x41, 0xFF, 0, 99, 1, 100, trace.Write, store.SyntheticUnused),
			ec(0x42, 0xF0, 0, 99, 1, 100, trace.Write, store.SyntheticUnused),
			closing,
			ec(0x43, 0xFF, 0, 99, 1, 100, trace.Write, store.SyntheticUnused),
		)
		if diff := cmp.Diff(want, rows); diff != "" {
			t.Errorf("rows mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestImport_SameInstructionReadWrite(t *testing.T) {
	events := program(4, map[int][]trace.Event{
		1: {access(0x10, 0, trace.Read), access(0x10, 0, trace.Write)},
	})
	rows, st := runImport(t, ImportOptions{RightMargin: trace.Read}, events)
	want := []store.ECRow{
		ec(0x10, 0xFF, 0, 1, 1, 2, trace.Read, store.Observed),
		ec(0x10, 0xFF, 2, 3, 3, 4, trace.Read, store.SyntheticClosing),
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
	if st.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", st.Skipped)
	}
}

func TestImport_AccessDeltaStampedAtFetch(t *testing.T) {
	ctx := context.Background()
	write := access(0x10, 0, trace.Write)
	write.TimeDelta = 3
	events := program(6, map[int][]trace.Event{
		4: {access(0x10, 0, trace.Read), write},
	})
	rows, st := runImport(t, ImportOptions{RightMargin: trace.Read}, events)
	want := []store.ECRow{
		ec(0x10, 0xFF, 0, 4, 1, 5, trace.Read, store.Observed),
		ec(0x10, 0xFF, 5, 5, 6, 9, trace.Read, store.SyntheticClosing),
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
	if st.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", st.Skipped)
	}

	ms := store.NewMemStore()
	v, _ := ms.GetOrCreateVariant(ctx, "v", "b")
	for i := range rows {
		rows[i].VariantID = v.ID
	}
	if err := ms.InsertECs(ctx, rows); err != nil {
		t.Fatalf("InsertECs: %v", err)
	}
	rep, err := Check(ctx, ms, v.ID)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !rep.OK() {
		t.Errorf("violations: %v", rep.Violations)
	}
}

func TestImport_EmptyTrace(t *testing.T) {
	mm := faultspace.NewMemoryMap()
	mm.Add(0, 16)
	rows, st := runImport(t, ImportOptions{RightMargin: trace.Read, MemoryMap: mm}, nil)
	if len(rows) != 0 || st.Rows != 0 {
		t.Errorf("empty trace produced %d rows", len(rows))
	}
}

func TestImport_MemoryMapFiltersAccesses(t *testing.T) {
	mm := faultspace.NewMemoryMap()
	mm.Add(0x20, 1)
	events := program(3, map[int][]trace.Event{
		1: {access(0x10, 0, trace.Write), access(0x20, 0, trace.Read)},
	})
	rows, _ := runImport(t, ImportOptions{RightMargin: trace.Read, MemoryMap: mm}, events)
	for _, r := range rows {
		if r.Address != 0x20 {
			t.Errorf("row for address %#x outside the memory map", r.Address)
		}
	}
	if len(rows) != 2 {
		t.Errorf("got %d rows, want 2", len(rows))
	}
}

func TestImport_CounterOverflow(t *testing.T) {
	im, err := NewImporter(mustSpace(t), ImportOptions{RightMargin: trace.Read})
	if err != nil {
		t.Fatalf("NewImporter: %v", err)
	}
	events := []trace.Event{
		{Kind: trace.Fetch, TimeDelta: math.MaxInt64},
		{Kind: trace.Fetch, TimeDelta: 1},
	}
	_, err = im.Run(trace.NewSliceReader(events), &rowSink{})
	if !errors.Is(err, ErrCounterOverflow) {
		t.Fatalf("Run error = %v, want ErrCounterOverflow", err)
	}
}

func TestImport_DecodeFailures(t *testing.T) {
	space := mustSpace(t, faultspace.Area{ID: 1, Name: "ram", Base: 0x1000, Size: 0x100})
	events := program(3, map[int][]trace.Event{
		0: {access(0x10, 0, trace.Read)},
		1: {access(0x1010, 0, trace.Read)},
		2: {access(0x20, 0, trace.Read)},
	})

	t.Run("tolerated", func(t *testing.T) {
		im, _ := NewImporter(space, ImportOptions{RightMargin: trace.Read})
		var sink rowSink
		st, err := im.Run(trace.NewSliceReader(events), &sink)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if st.DecodeFailures != 2 || len(sink.rows) != 2 {
			t.Errorf("DecodeFailures = %d, rows = %d; want 2, 2", st.DecodeFailures, len(sink.rows))
		}
	})
	t.Run("threshold", func(t *testing.T) {
		im, _ := NewImporter(space, ImportOptions{RightMargin: trace.Read, MaxDecodeFailures: 1})
		_, err := im.Run(trace.NewSliceReader(events), &rowSink{})
		if !errors.Is(err, ErrTooManyDecodeFailures) {
			t.Fatalf("Run error = %v, want ErrTooManyDecodeFailures", err)
		}
		var derr *DecodeError
		if !errors.As(err, &derr) || derr.Addr != 0x20 || !errors.Is(err, faultspace.ErrDecode) {
			t.Errorf("Run error = %v, want DecodeError for 0x20", err)
		}
	})
	t.Run("oversized width", func(t *testing.T) {
		wide := access(0x1010, 0, trace.Write)
		wide.Width = faultspace.MaxAccessWidth + 1
		corrupt := access(0x1020, 0, trace.Write)
		corrupt.Width = math.MaxUint32
		im, _ := NewImporter(space, ImportOptions{RightMargin: trace.Read, MaxDecodeFailures: 2})
		var sink rowSink
		st, err := im.Run(trace.NewSliceReader(program(3, map[int][]trace.Event{
			0: {wide},
			1: {corrupt, access(0x1030, 0, trace.Read)},
		})), &sink)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if st.DecodeFailures != 2 || len(sink.rows) != 2 {
			t.Errorf("DecodeFailures = %d, rows = %d; want 2, 2", st.DecodeFailures, len(sink.rows))
		}
	})
}

func TestNewImporter_RequiresRightMargin(t *testing.T) {
	if _, err := NewImporter(mustSpace(t), ImportOptions{}); !errors.Is(err, ErrNoRightMargin) {
		t.Errorf("NewImporter error = %v, want ErrNoRightMargin", err)
	}
}

func TestExtractor_MarginsStayDisjoint(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	x, err := NewExtractor(&rowSink{}, 0, Options{RightMargin: trace.Read})
	if err != nil {
		t.Fatalf("NewExtractor: %v", err)
	}
	el := faultspace.Element{Offset: 7, Width: 1}
	for i := uint64(0); i < 2000; i++ {
		mask := uint8(rng.UintN(255) + 1)
		typ := trace.Read
		if rng.IntN(2) == 0 {
			typ = trace.Write
		}
		cur := Point{DynInstr: i, Time: i}
		if err := x.CloseAndReopen(faultspace.Access{Element: el, Address: 7, Mask: mask}, cur, typ, nil); err != nil {
			t.Fatalf("CloseAndReopen: %v", err)
		}
		var union uint8
		for _, m := range x.Margins(el) {
			if union&m.Mask != 0 {
				t.Fatalf("step %d: margin masks overlap: %+v", i, x.Margins(el))
			}
			if m.Mask == 0 {
				t.Fatalf("step %d: empty margin kept", i)
			}
			union |= m.Mask
		}
		if union != faultspace.FullMask {
			t.Fatalf("step %d: margins cover %#02x, want 0xff", i, union)
		}
	}
}

// randomTrace produces a trace over a few addresses with mixed widths and
// sub-byte masks.
func randomTrace(rng *rand.Rand, n int) []trace.Event {
	var evs []trace.Event
	for i := 0; i < n; i++ {
		evs = append(evs, trace.Event{Kind: trace.Fetch, IP: uint64(i), TimeDelta: rng.Uint64N(3) + 1})
		for j := rng.IntN(3); j > 0; j-- {
			ev := trace.Event{
				Kind:      trace.MemAccess,
				Addr:      0x100 + rng.Uint64N(8),
				Width:     uint32(rng.IntN(2)*3 + 1),
				Access:    trace.AccessType(rng.IntN(2) + 1),
				TimeDelta: rng.Uint64N(3),
			}
			if ev.Width == 1 {
				ev.Mask = uint8(rng.UintN(256))
			}
			evs = append(evs, ev)
		}
	}
	return evs
}

func TestImport_RandomTracesPassChecks(t *testing.T) {
	ctx := context.Background()
	for seed := uint64(0); seed < 20; seed++ {
		rng := rand.New(rand.NewPCG(seed, 99))
		events := randomTrace(rng, 200)
		var mm *faultspace.MemoryMap
		if seed%2 == 0 {
			mm = faultspace.NewMemoryMap()
			mm.Add(0x100, 12)
		}

		st := store.NewMemStore()
		v, _ := st.GetOrCreateVariant(ctx, "v", "b")
		w := store.NewBatchWriter(ctx, st, v.ID, 64)
		im, err := NewImporter(mustSpace(t), ImportOptions{RightMargin: trace.Read, MemoryMap: mm})
		if err != nil {
			t.Fatalf("NewImporter: %v", err)
		}
		stats, err := im.Run(trace.NewSliceReader(events), w)
		if err != nil {
			t.Fatalf("seed %d: Run: %v", seed, err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("seed %d: Close: %v", seed, err)
		}

		rep, err := Check(ctx, st, v.ID)
		if err != nil {
			t.Fatalf("seed %d: Check: %v", seed, err)
		}
		if !rep.OK() {
			t.Fatalf("seed %d: violations: %v", seed, rep.Violations)
		}
		if rep.Rows != stats.Rows {
			t.Errorf("seed %d: report rows %d, import rows %d", seed, rep.Rows, stats.Rows)
		}
		if rep.MinInstr != 0 || rep.MaxInstr != 199 {
			t.Errorf("seed %d: instr span [%d,%d], want [0,199]", seed, rep.MinInstr, rep.MaxInstr)
		}
	}
}

func TestCheck_ReportsViolations(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	v, _ := st.GetOrCreateVariant(ctx, "v", "b")
	rows := []store.ECRow{
		{Address: 1, Mask: 0xFF, InstrBegin: 0, InstrEnd: 9, TimeBegin: 0, TimeEnd: 9},
		{Address: 2, Mask: 0x0F, InstrBegin: 0, InstrEnd: 5, TimeBegin: 0, TimeEnd: 5},
		{Address: 2, Mask: 0x01, InstrBegin: 5, InstrEnd: 9, TimeBegin: 5, TimeEnd: 9},
		{Address: 3, Mask: 0xFF, InstrBegin: 2, InstrEnd: 9, TimeBegin: 2, TimeEnd: 9},
	}
	for i := range rows {
		rows[i].VariantID, rows[i].Access, rows[i].Origin = v.ID, trace.Read, store.Observed
	}
	if err := st.InsertECs(ctx, rows); err != nil {
		t.Fatalf("InsertECs: %v", err)
	}
	rep, err := Check(ctx, st, v.ID)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}

	type key struct {
		Kind    CheckKind
		Address uint64
		Mask    uint8
	}
	var got []key
	for _, vi := range rep.Violations {
		got = append(got, key{vi.Kind, vi.Address, vi.Mask})
	}
	want := []key{
		{OverlapInstr, 2, 0x01},
		{OverlapTime, 2, 0x01},
		{CoverageInstr, 2, 0x01},
		{CoverageInstr, 2, 0x0E},
		{CoverageTime, 2, 0x01},
		{CoverageTime, 2, 0x0E},
		{RectInstr, 2, 0x0E},
		{RectTime, 2, 0x0E},
		{CoverageInstr, 3, 0xFF},
		{CoverageTime, 3, 0xFF},
		{RectInstr, 3, 0xFF},
		{RectTime, 3, 0xFF},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("violations mismatch (-want +got):\n%s", diff)
	}
	if n, _ := st.CountECs(ctx, v.ID); n != int64(len(rows)) {
		t.Errorf("Check changed the row count to %d", n)
	}
}
