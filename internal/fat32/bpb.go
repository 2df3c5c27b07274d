// Package fat32 implements §4.11's on-disk FAT32 driver: BPB parsing,
// FSInfo, FAT entries, directory entries (short 8.3 and long-filename
// fragments), and file I/O, all routed through the block cache.
//
// Grounded on duck_os's os/src/fs/fat32 (bpb.rs, fat.rs, fsinfo.rs,
// data.rs, fat_file.rs) for the on-disk layout and algorithms, re-expressed
// in the teacher's style: typed structs over a byte buffer instead of
// unsafe pointer-cast macros, kerr.Code instead of panics for validation
// failures, and fields read via encoding/binary rather than a
// (offset, size) string-keyed map.
package fat32

import (
	"encoding/binary"

	"duckos/internal/kconfig"
	"duckos/internal/kerr"
)

// BPB is the parsed BIOS Parameter Block (boot sector).
type BPB struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	TotalSectors32    uint32
	FATSize32         uint32
	RootCluster       uint32
	FSInfoSector      uint16
	BackupBootSector  uint16
}

// ParseBPB validates and parses a 512-byte boot sector, returning BadFS on
// any violation listed in §4.11: jump bytes, bytes-per-sector matching the
// fixed sector size, power-of-two sectors-per-cluster in [1,128], zeroed
// FAT32-reserved fields, nonzero total sectors, and BPB_FSVer == 0.
func ParseBPB(sector *[kconfig.SectorSize]byte) (*BPB, kerr.Code) {
	b := sector[:]

	jmp0 := b[0]
	if jmp0 != 0xEB && jmp0 != 0xE9 {
		return nil, kerr.BadFS
	}
	if jmp0 == 0xEB && b[2] != 0x90 {
		return nil, kerr.BadFS
	}

	bytesPerSec := binary.LittleEndian.Uint16(b[11:13])
	if bytesPerSec != kconfig.SectorSize {
		return nil, kerr.BadFS
	}

	secPerClus := b[13]
	if secPerClus == 0 || secPerClus > 128 || secPerClus&(secPerClus-1) != 0 {
		return nil, kerr.BadFS
	}

	rsvdSecCnt := binary.LittleEndian.Uint16(b[14:16])
	numFATs := b[16]
	if numFATs == 0 {
		return nil, kerr.BadFS
	}
	rootEntCnt := binary.LittleEndian.Uint16(b[17:19])
	if rootEntCnt != 0 {
		return nil, kerr.BadFS
	}
	totSec16 := binary.LittleEndian.Uint16(b[19:21])
	if totSec16 != 0 {
		return nil, kerr.BadFS
	}
	fatSz16 := binary.LittleEndian.Uint16(b[22:24])
	if fatSz16 != 0 {
		return nil, kerr.BadFS
	}
	totSec32 := binary.LittleEndian.Uint32(b[32:36])
	if totSec32 == 0 {
		return nil, kerr.BadFS
	}

	fatSz32 := binary.LittleEndian.Uint32(b[36:40])
	fsVer := binary.LittleEndian.Uint16(b[42:44])
	if fsVer != 0 {
		return nil, kerr.BadFS
	}
	rootClus := binary.LittleEndian.Uint32(b[44:48])
	fsInfoSec := binary.LittleEndian.Uint16(b[48:50])
	bkBootSec := binary.LittleEndian.Uint16(b[50:52])

	if rsvdSecCnt <= fsInfoSec || rsvdSecCnt <= bkBootSec {
		return nil, kerr.BadFS
	}
	for _, x := range b[52:64] {
		if x != 0 {
			return nil, kerr.BadFS
		}
	}

	return &BPB{
		BytesPerSector:    bytesPerSec,
		SectorsPerCluster: secPerClus,
		ReservedSectors:   rsvdSecCnt,
		NumFATs:           numFATs,
		TotalSectors32:    totSec32,
		FATSize32:         fatSz32,
		RootCluster:       rootClus,
		FSInfoSector:      fsInfoSec,
		BackupBootSector:  bkBootSec,
	}, kerr.None
}

// FATStartSector is the first sector of the first FAT.
func (b *BPB) FATStartSector() uint64 { return uint64(b.ReservedSectors) }

// DataStartSector is the first sector of cluster 2's data region.
func (b *BPB) DataStartSector() uint64 {
	return uint64(b.ReservedSectors) + uint64(b.NumFATs)*uint64(b.FATSize32)
}

// ClusterToSector converts a cluster number to its first data sector.
func (b *BPB) ClusterToSector(cluster uint32) uint64 {
	return (uint64(cluster)-2)*uint64(b.SectorsPerCluster) + b.DataStartSector()
}

// ClusterCount returns the total number of data clusters (§9 invariant:
// a cluster-chain walk must terminate within this many steps).
func (b *BPB) ClusterCount() uint32 {
	dataSec := b.TotalSectors32 - uint32(b.ReservedSectors) - uint32(b.NumFATs)*b.FATSize32
	return dataSec / uint32(b.SectorsPerCluster)
}
