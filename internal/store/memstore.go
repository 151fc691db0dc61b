package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danceos/fail-sub001/internal/trace"
)

// MemStore is an in-memory Store for tests. It enforces the same uniqueness
// and range constraints as the SQLite schema.
type MemStore struct {
	mu        sync.Mutex
	variants  []Variant
	methods   map[string]int64
	ecs       map[int64][]ECRow
	pilots    []Pilot
	nextPilot int64
}

type ecKey struct {
	variantID int64
	address   uint64
	instr2    uint64
	mask      uint8
}

type pilotKey struct {
	variantID, methodID int64
	address             uint64
	mask                uint8
	instr               uint64
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		methods: make(map[string]int64),
		ecs:     make(map[int64][]ECRow),
	}
}

// CreateSchema implements Store.
func (s *MemStore) CreateSchema(context.Context) error { return nil }

// Close implements Store.
func (s *MemStore) Close() error { return nil }

// GetOrCreateVariant implements Store.
func (s *MemStore) GetOrCreateVariant(_ context.Context, variant, benchmark string) (Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.variants {
		if v.Variant == variant && v.Benchmark == benchmark {
			return v, nil
		}
	}
	v := Variant{ID: int64(len(s.variants) + 1), Variant: variant, Benchmark: benchmark}
	s.variants = append(s.variants, v)
	return v, nil
}

func matchAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if likeMatch(p, s) {
			return true
		}
	}
	return false
}

// ListVariants implements Store.
func (s *MemStore) ListVariants(_ context.Context, f VariantFilter) ([]Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []Variant
	for _, v := range s.variants {
		if len(f.Variants) > 0 && !matchAny(v.Variant, f.Variants) {
			continue
		}
		if len(f.Benchmarks) > 0 && !matchAny(v.Benchmark, f.Benchmarks) {
			continue
		}
		if matchAny(v.Variant, f.ExcludeVariants) || matchAny(v.Benchmark, f.ExcludeBenchmarks) {
			continue
		}
		list = append(list, v)
	}
	return list, nil
}

// MethodID implements Store.
func (s *MemStore) MethodID(_ context.Context, method string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.methods[method]; ok {
		return id, nil
	}
	id := int64(len(s.methods) + 1)
	s.methods[method] = id
	return id, nil
}

func (s *MemStore) hasVariant(id int64) bool {
	for _, v := range s.variants {
		if v.ID == id {
			return true
		}
	}
	return false
}

// ClearECs implements Store.
func (s *MemStore) ClearECs(_ context.Context, variantID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ecs, variantID)
	return nil
}

func checkRow(r ECRow) error {
	switch {
	case r.Mask == 0:
		return fmt.Errorf("mask is zero")
	case r.InstrBegin > r.InstrEnd:
		return fmt.Errorf("instr1 %d > instr2 %d", r.InstrBegin, r.InstrEnd)
	case r.TimeBegin > r.TimeEnd:
		return fmt.Errorf("time1 %d > time2 %d", r.TimeBegin, r.TimeEnd)
	case r.Access != trace.Read && r.Access != trace.Write:
		return fmt.Errorf("invalid access type %v", r.Access)
	}
	return nil
}

// InsertECs implements Store. Either all rows are stored or none.
func (s *MemStore) InsertECs(_ context.Context, rows []ECRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[ecKey]bool)
	loaded := make(map[int64]bool)
	for _, r := range rows {
		if loaded[r.VariantID] {
			continue
		}
		loaded[r.VariantID] = true
		for _, old := range s.ecs[r.VariantID] {
			seen[ecKey{old.VariantID, old.Address, old.InstrEnd, old.Mask}] = true
		}
	}
	for _, r := range rows {
		op := fmt.Sprintf("insert ec %#x/%#02x@%d", r.Address, r.Mask, r.InstrEnd)
		if !s.hasVariant(r.VariantID) {
			return storeErr(op, fmt.Errorf("unknown variant %d", r.VariantID))
		}
		if err := checkRow(r); err != nil {
			return storeErr(op, err)
		}
		k := ecKey{r.VariantID, r.Address, r.InstrEnd, r.Mask}
		if seen[k] {
			return storeErr(op, fmt.Errorf("duplicate row"))
		}
		seen[k] = true
	}
	for _, r := range rows {
		s.ecs[r.VariantID] = append(s.ecs[r.VariantID], r)
	}
	return nil
}

// ReadECs implements Store.
func (s *MemStore) ReadECs(_ context.Context, variantID int64, access trace.AccessType) ([]ECRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []ECRow
	for _, r := range s.ecs[variantID] {
		if access != 0 && r.Access != access {
			continue
		}
		list = append(list, r)
	}
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Address != b.Address {
			return a.Address < b.Address
		}
		if a.Mask != b.Mask {
			return a.Mask < b.Mask
		}
		return a.InstrBegin < b.InstrBegin
	})
	return list, nil
}

// CountECs implements Store.
func (s *MemStore) CountECs(_ context.Context, variantID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.ecs[variantID])), nil
}

// ClearPilots implements Store.
func (s *MemStore) ClearPilots(_ context.Context, variantID, methodID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.pilots[:0]
	for _, p := range s.pilots {
		if p.VariantID != variantID || p.MethodID != methodID {
			kept = append(kept, p)
		}
	}
	s.pilots = kept
	return nil
}

// InsertPilots implements Store. The generated ids are written back into
// pilots.
func (s *MemStore) InsertPilots(_ context.Context, pilots []Pilot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[pilotKey]bool, len(s.pilots))
	for _, p := range s.pilots {
		seen[pilotKey{p.VariantID, p.MethodID, p.Address, p.Mask, p.InstrEnd}] = true
	}
	for _, p := range pilots {
		op := fmt.Sprintf("insert pilot %#x@%d", p.Address, p.InstrEnd)
		if !s.hasVariant(p.VariantID) {
			return storeErr(op, fmt.Errorf("unknown variant %d", p.VariantID))
		}
		if p.Weight == 0 {
			return storeErr(op, fmt.Errorf("weight must be positive"))
		}
		k := pilotKey{p.VariantID, p.MethodID, p.Address, p.Mask, p.InstrEnd}
		if seen[k] {
			return storeErr(op, fmt.Errorf("duplicate pilot"))
		}
		seen[k] = true
	}
	for i := range pilots {
		s.nextPilot++
		pilots[i].ID = s.nextPilot
		s.pilots = append(s.pilots, pilots[i])
	}
	return nil
}

// AddPilotWeight implements Store.
func (s *MemStore) AddPilotWeight(_ context.Context, pilotID int64, delta uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pilots {
		if s.pilots[i].ID == pilotID {
			s.pilots[i].Weight += delta
			return nil
		}
	}
	return storeErr("add pilot weight", fmt.Errorf("pilot %d not found", pilotID))
}

// ListPilots implements Store.
func (s *MemStore) ListPilots(_ context.Context, variantID, methodID int64) ([]Pilot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []Pilot
	for _, p := range s.pilots {
		if p.VariantID == variantID && p.MethodID == methodID {
			list = append(list, p)
		}
	}
	return list, nil
}

// CountPilots implements Store.
func (s *MemStore) CountPilots(ctx context.Context, variantID, methodID int64) (int64, error) {
	list, err := s.ListPilots(ctx, variantID, methodID)
	return int64(len(list)), err
}

type rowKey struct {
	address uint64
	mask    uint8
}

// byKey groups the rows of a variant by (address, mask) in insertion order
// and returns the keys sorted.
func (s *MemStore) byKey(variantID int64) ([]rowKey, map[rowKey][]ECRow) {
	groups := make(map[rowKey][]ECRow)
	var keys []rowKey
	for _, r := range s.ecs[variantID] {
		k := rowKey{r.Address, r.Mask}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], r)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].address != keys[j].address {
			return keys[i].address < keys[j].address
		}
		return keys[i].mask < keys[j].mask
	})
	return keys, groups
}

// KeyStats implements Store.
func (s *MemStore) KeyStats(_ context.Context, variantID int64) ([]KeyStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, groups := s.byKey(variantID)
	list := make([]KeyStats, 0, len(keys))
	for _, k := range keys {
		st := KeyStats{Address: k.address, Mask: k.mask}
		for i, r := range groups[k] {
			if i == 0 || r.InstrBegin < st.MinInstr {
				st.MinInstr = r.InstrBegin
			}
			if r.InstrEnd > st.MaxInstr {
				st.MaxInstr = r.InstrEnd
			}
			if i == 0 || r.TimeBegin < st.MinTime {
				st.MinTime = r.TimeBegin
			}
			if r.TimeEnd > st.MaxTime {
				st.MaxTime = r.TimeEnd
			}
			st.SumInstr += r.InstrEnd - r.InstrBegin + 1
			st.SumTime += r.TimeEnd - r.TimeBegin + 1
			st.Rows++
		}
		list = append(list, st)
	}
	return list, nil
}

// Overlaps implements Store. limit <= 0 means no limit.
func (s *MemStore) Overlaps(_ context.Context, variantID int64, dim Dimension, limit int) ([]Overlap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	span := func(r ECRow) (uint64, uint64) {
		if dim == DimTime {
			return r.TimeBegin, r.TimeEnd
		}
		return r.InstrBegin, r.InstrEnd
	}
	rows := s.ecs[variantID]
	var list []Overlap
	for i := range rows {
		a1, a2 := span(rows[i])
		for j := i + 1; j < len(rows); j++ {
			if rows[j].Address != rows[i].Address || rows[j].Mask&rows[i].Mask == 0 {
				continue
			}
			b1, b2 := span(rows[j])
			if a1 <= b2 && b1 <= a2 {
				list = append(list, Overlap{
					Address:     rows[i].Address,
					FirstMask:   rows[i].Mask,
					FirstBegin:  a1,
					FirstEnd:    a2,
					SecondMask:  rows[j].Mask,
					SecondBegin: b1,
					SecondEnd:   b2,
				})
			}
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Address != b.Address {
			return a.Address < b.Address
		}
		if a.FirstBegin != b.FirstBegin {
			return a.FirstBegin < b.FirstBegin
		}
		return a.SecondBegin < b.SecondBegin
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// likeMatch reports whether s matches the SQL LIKE pattern p: '%' matches
// any run, '_' any single character, comparison is ASCII case-insensitive.
func likeMatch(p, s string) bool {
	p, s = strings.ToLower(p), strings.ToLower(s)
	// Greedy matcher with single-star backtracking.
	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(s) {
		switch {
		case pi < len(p) && p[pi] == '%':
			star, mark = pi, si
			pi++
		case pi < len(p) && (p[pi] == '_' || p[pi] == s[si]):
			pi++
			si++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '%' {
		pi++
	}
	return pi == len(p)
}

var (
	_ Store = (*MemStore)(nil)
	_ Store = (*SqlStore)(nil)
)
