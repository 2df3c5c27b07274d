package aspace

import "duckos/internal/mem"

// translate resolves va to a host byte slice covering the rest of its
// page, faulting the page in first if it is not yet mapped (covers a
// legitimately lazy stack/heap/BSS page a syscall argument points into).
func (as *AddressSpace) translate(va mem.Va, write bool) ([]byte, bool) {
	if _, ok := as.PT.Lookup(va.Vpn()); !ok {
		if errc := as.PageFault(va, write); !errc.OK() {
			return nil, false
		}
	}
	pa, errc := as.PT.TranslateVa(va)
	if !errc.OK() {
		return nil, false
	}
	page := as.arena.Page(pa.Ppn())
	return page[pa.PageOffset():], true
}

// CopyOut copies data into the user address space starting at uva,
// crossing page boundaries one page at a time. Used by syscalls that hand
// data back to user space (getcwd, uname, fstat).
func (as *AddressSpace) CopyOut(uva mem.Va, data []byte) bool {
	for len(data) > 0 {
		chunk, ok := as.translate(uva, true)
		if !ok {
			return false
		}
		n := copy(chunk, data)
		data = data[n:]
		uva += mem.Va(n)
	}
	return true
}

// CopyIn reads len(buf) bytes out of the user address space starting at
// uva into buf.
func (as *AddressSpace) CopyIn(uva mem.Va, buf []byte) bool {
	for len(buf) > 0 {
		chunk, ok := as.translate(uva, false)
		if !ok {
			return false
		}
		n := copy(buf, chunk)
		buf = buf[n:]
		uva += mem.Va(n)
	}
	return true
}

// CopyInString reads a NUL-terminated string out of user space starting at
// uva, up to maxLen bytes, used for path arguments to chdir/open/execve.
func (as *AddressSpace) CopyInString(uva mem.Va, maxLen int) (string, bool) {
	var out []byte
	for len(out) < maxLen {
		chunk, ok := as.translate(uva, false)
		if !ok {
			return "", false
		}
		for _, b := range chunk {
			if b == 0 {
				return string(out), true
			}
			out = append(out, b)
			if len(out) >= maxLen {
				return "", false
			}
		}
		uva += mem.Va(len(chunk))
	}
	return "", false
}
