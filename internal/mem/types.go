package mem

import (
	"fmt"

	"duckos/internal/kconfig"
)

// Pa is a physical address. Va is a virtual address. Ppn/Vpn are their
// page-number (address >> 12) forms. These are the typed address newtypes
// named in SPEC_FULL's "Supplemented features" (grounded on duck_os's
// mm/type_cast.rs), replacing the teacher's bare Pa_t/int pairing with
// const-time conversions that can't be mixed up at the call site.
type (
	Pa  uintptr
	Va  uintptr
	Ppn uint64
	Vpn uint64
)

// PageOffset returns the low PageShift bits of the address.
func (p Pa) PageOffset() uintptr { return uintptr(p) & kconfig.PageMask }

// Ppn converts a physical address to its page number.
func (p Pa) Ppn() Ppn { return Ppn(uintptr(p) >> kconfig.PageShift) }

// PageBase rounds a physical address down to its containing page.
func (p Pa) PageBase() Pa { return Pa(uintptr(p) &^ kconfig.PageMask) }

func (p Pa) String() string { return fmt.Sprintf("pa:%#x", uintptr(p)) }

// PageOffset returns the low PageShift bits of the address.
func (v Va) PageOffset() uintptr { return uintptr(v) & kconfig.PageMask }

// Vpn converts a virtual address to its page number.
func (v Va) Vpn() Vpn { return Vpn(uintptr(v) >> kconfig.PageShift) }

// PageBase rounds a virtual address down to its containing page.
func (v Va) PageBase() Va { return Va(uintptr(v) &^ kconfig.PageMask) }

func (v Va) String() string { return fmt.Sprintf("va:%#x", uintptr(v)) }

// Vpn3 returns the SV39 index triple (vpn[2], vpn[1], vpn[0]) used to walk
// the three page-table levels, plus the page offset, per §4.3: 9-bit
// indices derived from bits [38:30], [29:21], [20:12].
func (v Va) Vpn3() (l2, l1, l0 uint, off uintptr) {
	uv := uintptr(v)
	l2 = uint((uv >> 30) & 0x1ff)
	l1 = uint((uv >> 21) & 0x1ff)
	l0 = uint((uv >> 12) & 0x1ff)
	off = uv & kconfig.PageMask
	return
}

// Addr reconstructs a physical address from a page number.
func (p Ppn) Addr() Pa { return Pa(uintptr(p) << kconfig.PageShift) }

func (p Ppn) String() string { return fmt.Sprintf("ppn:%#x", uint64(p)) }

// Addr reconstructs a virtual address from a page number.
func (v Vpn) Addr() Va { return Va(uintptr(v) << kconfig.PageShift) }

func (v Vpn) String() string { return fmt.Sprintf("vpn:%#x", uint64(v)) }
