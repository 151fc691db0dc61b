package faultspace

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// MemoryMap is a region of interest: a set of half-open address ranges.
type MemoryMap struct {
	ranges []addrRange // sorted, merged
}

type addrRange struct {
	start, end uint64 // [start, end)
}

// NewMemoryMap returns an empty map.
func NewMemoryMap() *MemoryMap { return &MemoryMap{} }

// Add includes [addr, addr+size) in the map. Overlapping and adjacent ranges
// are merged.
func (m *MemoryMap) Add(addr, size uint64) {
	if size == 0 {
		return
	}
	end := addr + size
	if end < addr {
		end = ^uint64(0)
	}
	m.ranges = append(m.ranges, addrRange{addr, end})
	sort.Slice(m.ranges, func(i, j int) bool { return m.ranges[i].start < m.ranges[j].start })
	merged := m.ranges[:1]
	for _, r := range m.ranges[1:] {
		last := &merged[len(merged)-1]
		if r.start <= last.end {
			if r.end > last.end {
				last.end = r.end
			}
			continue
		}
		merged = append(merged, r)
	}
	m.ranges = merged
}

// Contains implements Filter.
func (m *MemoryMap) Contains(addr uint64) bool {
	i := sort.Search(len(m.ranges), func(i int) bool { return m.ranges[i].end > addr })
	return i < len(m.ranges) && m.ranges[i].start <= addr
}

// Size returns the number of addresses in the map.
func (m *MemoryMap) Size() uint64 {
	var n uint64
	for _, r := range m.ranges {
		n += r.end - r.start
	}
	return n
}

// Elements enumerates every element of s inside the map. Addresses outside
// all areas of s are skipped.
func (m *MemoryMap) Elements(s *Space) []Access {
	var out []Access
	for _, r := range m.ranges {
		for a := r.start; a < r.end; a++ {
			el, err := s.Decode(a)
			if err == nil {
				out = append(out, Access{Element: el, Address: a, Mask: FullMask})
			}
		}
	}
	return out
}

// LoadMemoryMap reads a memory map file.
func LoadMemoryMap(path string) (*MemoryMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open memory map: %w", err)
	}
	defer f.Close()
	return ParseMemoryMap(f)
}

// ParseMemoryMap reads "address size" lines. Numbers may be decimal or
// 0x-prefixed hex; '#' starts a comment.
func ParseMemoryMap(r io.Reader) (*MemoryMap, error) {
	m := NewMemoryMap()
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, fmt.Errorf("memory map line %d: want \"address size\", got %q", line, sc.Text())
		}
		addr, err := strconv.ParseUint(fields[0], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("memory map line %d: address: %w", line, err)
		}
		size, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("memory map line %d: size: %w", line, err)
		}
		m.Add(addr, size)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read memory map: %w", err)
	}
	return m, nil
}
