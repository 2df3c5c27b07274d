package elf

import (
	"crypto/rand"
	"encoding/binary"

	"duckos/internal/aspace"
	"duckos/internal/kconfig"
	"duckos/internal/kerr"
	"duckos/internal/mem"
	"duckos/internal/vma"
)

// Auxiliary-vector type constants (§4.9 step 4), using the standard Linux
// numbering so a conforming user binary's libc start code reads them
// without modification.
const (
	atNull     = 0
	atPhdr     = 3
	atPhent    = 4
	atPhnum    = 5
	atPagesz   = 6
	atFlags    = 8
	atEntry    = 9
	atUID      = 11
	atGID      = 13
	atEGID     = 14
	atPlatform = 15
	atHwcap    = 16
	atClktck   = 17
	atSecure   = 23
	atRandom   = 25
)

// stackBuilder lays out the initial user stack top-down: every push moves
// sp to a lower address first, then writes, so values pushed earlier end
// up at higher addresses than values pushed later — exactly backwards from
// the order a reader walks the finished array, which is why auxv/envp/argv
// are each pushed in the reverse of their logical order (§4.9 step 4-5).
type stackBuilder struct {
	as *aspace.AddressSpace
	v  *vma.Vma
	sp mem.Va
}

func newStackBuilder(as *aspace.AddressSpace, v *vma.Vma, top mem.Va) *stackBuilder {
	return &stackBuilder{as: as, v: v, sp: top}
}

// pushBytes writes data immediately below the current sp and returns its
// new address, faulting in whichever stack pages the write touches.
func (b *stackBuilder) pushBytes(data []byte) (mem.Va, kerr.Code) {
	b.sp -= mem.Va(len(data))
	if errc := b.writeAt(b.sp, data); errc != kerr.None {
		return 0, errc
	}
	return b.sp, kerr.None
}

func (b *stackBuilder) pushString(s string) (mem.Va, kerr.Code) {
	return b.pushBytes(append([]byte(s), 0))
}

func (b *stackBuilder) pushPtr(p uint64) (mem.Va, kerr.Code) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], p)
	return b.pushBytes(buf[:])
}

func (b *stackBuilder) pushAuxv(atype, val uint64) (mem.Va, kerr.Code) {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], atype)
	binary.LittleEndian.PutUint64(buf[8:16], val)
	return b.pushBytes(buf[:])
}

func (b *stackBuilder) align8() {
	b.sp = mem.Va(uintptr(b.sp) &^ 7)
}

// writeAt writes data starting at va, faulting in any stack page that is
// not yet mapped (the stack VMA is lazy; the builder is the first toucher
// of its top few pages).
func (b *stackBuilder) writeAt(va mem.Va, data []byte) kerr.Code {
	off := 0
	for off < len(data) {
		cur := va + mem.Va(off)
		vpn := cur.Vpn()
		if _, ok := b.v.Pages[vpn]; !ok {
			if errc := b.as.PageFault(vpn.Addr(), true); errc != kerr.None {
				return kerr.StackFault
			}
		}
		pg := b.v.Pages[vpn]
		pageOff := int(cur.PageOffset())
		n := kconfig.PageSize - pageOff
		if n > len(data)-off {
			n = len(data) - off
		}
		copy(pg.Frame.Page()[pageOff:pageOff+n], data[off:off+n])
		off += n
	}
	return kerr.None
}

// build lays out env strings, argv strings, the AT_RANDOM slot, the
// auxiliary vector, the envp/argv pointer arrays, and argc, per §4.9 step
// 4, returning the layout step 5 calls for.
func (b *stackBuilder) build(entry, phdrAddr mem.Va, phentsize, phnum int, argv, envp []string) (Layout, kerr.Code) {
	envAddrs := make([]mem.Va, len(envp))
	for i, s := range envp {
		addr, errc := b.pushString(s)
		if errc != kerr.None {
			return Layout{}, errc
		}
		envAddrs[i] = addr
	}
	b.align8()

	argvAddrs := make([]mem.Va, len(argv))
	for i, s := range argv {
		addr, errc := b.pushString(s)
		if errc != kerr.None {
			return Layout{}, errc
		}
		argvAddrs[i] = addr
	}
	b.align8()

	var randomBytes [16]byte
	rand.Read(randomBytes[:])
	randomAddr, errc := b.pushBytes(randomBytes[:])
	if errc != kerr.None {
		return Layout{}, errc
	}
	b.align8()

	type auxEnt struct{ t, v uint64 }
	// Pushed in the reverse of the order a forward reader of auxv sees, so
	// AT_NULL (pushed first here) lands at the highest address = the
	// terminator, and AT_PHDR (pushed last) lands at auxv[0].
	reversedAuxv := []auxEnt{
		{atNull, 0},
		{atRandom, uint64(randomAddr)},
		{atSecure, 0},
		{atClktck, kconfig.TimerFreqHz},
		{atHwcap, 0},
		{atPlatform, 0},
		{atEGID, 0},
		{atGID, 0},
		{atUID, 0},
		{atEntry, uint64(entry)},
		{atFlags, 0},
		{atPagesz, kconfig.PageSize},
		{atPhnum, uint64(phnum)},
		{atPhent, uint64(phentsize)},
		{atPhdr, uint64(phdrAddr)},
	}
	var auxv0 mem.Va
	for _, e := range reversedAuxv {
		addr, errc := b.pushAuxv(e.t, e.v)
		if errc != kerr.None {
			return Layout{}, errc
		}
		auxv0 = addr
	}

	if _, errc := b.pushPtr(0); errc != kerr.None {
		return Layout{}, errc
	}
	var envp0 mem.Va
	for i := len(envAddrs) - 1; i >= 0; i-- {
		addr, errc := b.pushPtr(uint64(envAddrs[i]))
		if errc != kerr.None {
			return Layout{}, errc
		}
		envp0 = addr
	}

	if _, errc := b.pushPtr(0); errc != kerr.None {
		return Layout{}, errc
	}
	var argv0 mem.Va
	for i := len(argvAddrs) - 1; i >= 0; i-- {
		addr, errc := b.pushPtr(uint64(argvAddrs[i]))
		if errc != kerr.None {
			return Layout{}, errc
		}
		argv0 = addr
	}

	var argcBuf [8]byte
	binary.LittleEndian.PutUint64(argcBuf[:], uint64(len(argv)))
	argcAddr, errc := b.pushBytes(argcBuf[:])
	if errc != kerr.None {
		return Layout{}, errc
	}

	return Layout{
		EntryPoint: entry,
		Sp:         b.sp,
		ArgcAddr:   argcAddr,
		Argv0Addr:  argv0,
		Envp0Addr:  envp0,
		Auxv0Addr:  auxv0,
	}, kerr.None
}
