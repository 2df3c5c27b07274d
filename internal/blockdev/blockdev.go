// Package blockdev implements §6's opaque block-device surface: fixed
// 512-byte sectors addressed by id, failures are fatal rather than
// recoverable (a real VirtIO-MMIO controller wedging is not something a
// block cache above it can meaningfully retry around).
//
// Grounded on the teacher's fs.Disk_i interface (biscuit/src/fs/blk.go),
// generalized from its request/callback-channel plumbing to a direct
// synchronous call, since this kernel is hosted rather than driving real
// VirtIO-MMIO queues.
package blockdev

import (
	"duckos/internal/kconfig"
)

// Device is the minimal surface the block cache needs from the underlying
// storage: read and write one fixed-size sector by id.
type Device interface {
	ReadBlock(id uint64, buf *[kconfig.SectorSize]byte)
	WriteBlock(id uint64, buf *[kconfig.SectorSize]byte)
}

// Memory is a Device backed entirely by host memory, standing in for the
// VirtIO-MMIO block device QEMU virt exposes: there is no real disk
// underneath a hosted kernel, so this is the block-device half of the
// "simulated physical memory" approach already used for RAM (mem.Arena).
type Memory struct {
	blocks map[uint64]*[kconfig.SectorSize]byte
}

// NewMemory creates an empty backing store. Blocks are zero-filled until
// first written, matching a freshly provisioned virtual disk.
func NewMemory() *Memory {
	return &Memory{blocks: make(map[uint64]*[kconfig.SectorSize]byte)}
}

// ReadBlock copies block id's content into buf. An id that has never been
// written reads back as all zeros, consistent with a freshly created
// virtual disk.
func (m *Memory) ReadBlock(id uint64, buf *[kconfig.SectorSize]byte) {
	if b, ok := m.blocks[id]; ok {
		*buf = *b
		return
	}
	*buf = [kconfig.SectorSize]byte{}
}

// WriteBlock stores buf as block id's content.
func (m *Memory) WriteBlock(id uint64, buf *[kconfig.SectorSize]byte) {
	stored := *buf
	m.blocks[id] = &stored
}
