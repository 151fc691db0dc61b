// Package faultspace identifies injectable storage locations. An Area is a
// contiguous address range (memory, a register file); an Element is one
// injectable unit inside an area and is the key every other package uses to
// track fault-space state.
package faultspace

import (
	"errors"
	"fmt"
	"sort"
)

// FullMask selects every bit of an element.
const FullMask uint8 = 0xFF

// ErrDecode means an address does not belong to any configured area.
var ErrDecode = errors.New("address outside fault space")

// Area is a contiguous, byte-addressed injectable region.
type Area struct {
	ID   int    `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	Base uint64 `json:"base" yaml:"base"`
	Size uint64 `json:"size" yaml:"size"` // 0 means "up to the end of the address space"
}

// Contains reports whether addr lies inside the area.
func (a Area) Contains(addr uint64) bool {
	if addr < a.Base {
		return false
	}
	return a.Size == 0 || addr-a.Base < a.Size
}

// Element is one injectable unit. It is comparable and used as a map key.
type Element struct {
	Area   int
	Offset uint64
	Width  uint8 // bytes; the bitmask of an access covers one byte of it
}

// String renders the element as area:offset for diagnostics.
func (e Element) String() string {
	return fmt.Sprintf("%d:%#x", e.Area, e.Offset)
}

// Access is the part of an element touched by one trace access.
type Access struct {
	Element Element
	Address uint64
	Mask    uint8
}

// Filter selects which addresses are tracked. A nil Filter tracks everything.
type Filter interface {
	Contains(addr uint64) bool
}

// Space is the fault-space decoder: it maps raw addresses to elements.
type Space struct {
	areas []Area // sorted by Base
}

// NewSpace builds a decoder over the given areas. With no areas, a single
// area covering the full 64-bit address space is used.
func NewSpace(areas ...Area) (*Space, error) {
	if len(areas) == 0 {
		areas = []Area{{ID: 0, Name: "mem"}}
	}
	sorted := make([]Area, len(areas))
	copy(sorted, areas)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })

	ids := make(map[int]bool, len(sorted))
	for i, a := range sorted {
		if ids[a.ID] {
			return nil, fmt.Errorf("duplicate area id %d", a.ID)
		}
		ids[a.ID] = true
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if prev.Size == 0 || a.Base-prev.Base < prev.Size {
			return nil, fmt.Errorf("area %q overlaps area %q", a.Name, prev.Name)
		}
	}
	return &Space{areas: sorted}, nil
}

// Areas returns the configured areas ordered by base address.
func (s *Space) Areas() []Area {
	out := make([]Area, len(s.areas))
	copy(out, s.areas)
	return out
}

func (s *Space) area(addr uint64) (Area, bool) {
	i := sort.Search(len(s.areas), func(i int) bool { return s.areas[i].Base > addr })
	if i == 0 {
		return Area{}, false
	}
	a := s.areas[i-1]
	return a, a.Contains(addr)
}

// Decode maps one byte address to its element.
func (s *Space) Decode(addr uint64) (Element, error) {
	a, ok := s.area(addr)
	if !ok {
		return Element{}, fmt.Errorf("decode %#x: %w", addr, ErrDecode)
	}
	return Element{Area: a.ID, Offset: addr - a.Base, Width: 1}, nil
}

// Address is the inverse of Decode.
func (s *Space) Address(e Element) (uint64, bool) {
	for _, a := range s.areas {
		if a.ID == e.Area {
			return a.Base + e.Offset, true
		}
	}
	return 0, false
}

// MaxAccessWidth bounds the width of a single traced access in bytes.
const MaxAccessWidth = 64

// Translate maps the byte range [addr, addr+width) to element accesses.
// mask applies to single-byte accesses only; 0 selects the full byte. Bytes
// rejected by filter are omitted. A byte outside every area, or a width above
// MaxAccessWidth, fails the whole translation with ErrDecode.
func (s *Space) Translate(addr uint64, width uint32, mask uint8, filter Filter) ([]Access, error) {
	if width == 0 {
		width = 1
	}
	if width > MaxAccessWidth {
		return nil, fmt.Errorf("translate %#x: width %d exceeds %d bytes: %w", addr, width, MaxAccessWidth, ErrDecode)
	}
	if mask == 0 || width > 1 {
		mask = FullMask
	}
	out := make([]Access, 0, width)
	for i := uint64(0); i < uint64(width); i++ {
		a := addr + i
		if a < addr {
			return nil, fmt.Errorf("translate %#x+%d: %w", addr, width, ErrDecode)
		}
		if filter != nil && !filter.Contains(a) {
			continue
		}
		el, err := s.Decode(a)
		if err != nil {
			return nil, err
		}
		out = append(out, Access{Element: el, Address: a, Mask: mask})
	}
	return out, nil
}
