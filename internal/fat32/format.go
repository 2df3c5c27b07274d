package fat32

import (
	"encoding/binary"

	"duckos/internal/blockdev"
	"duckos/internal/kconfig"
	"duckos/internal/kerr"
)

// Format lays down a fresh, empty FAT32 volume across totalSectors sectors
// of dev: a boot sector (plus its mirror), an FSInfo sector, NumFATs
// copies of the allocation table with cluster 2 (the root directory)
// marked end-of-chain, and a zeroed root directory cluster — the
// programmatic equivalent of the teacher's mkfs command, grounded on
// biscuit/src/mkfs/mkfs.go's "build a filesystem image before first boot"
// role, but writing directly to a blockdev.Device instead of a host file.
func Format(dev blockdev.Device, totalSectors uint32) kerr.Code {
	const (
		reservedSectors  = 32
		numFATs          = 2
		secPerClus       = 1
		fsInfoSector     = 1
		backupBootSector = 6
		rootCluster      = 2
	)
	if totalSectors <= reservedSectors+numFATs {
		return kerr.BadArgument
	}

	fatSize32 := fatSizeForCapacity(totalSectors, reservedSectors, numFATs)

	boot := [kconfig.SectorSize]byte{}
	boot[0], boot[1], boot[2] = 0xEB, 0x58, 0x90
	binary.LittleEndian.PutUint16(boot[11:13], kconfig.SectorSize)
	boot[13] = secPerClus
	binary.LittleEndian.PutUint16(boot[14:16], reservedSectors)
	boot[16] = numFATs
	boot[21] = 0xF8 // media descriptor: fixed disk
	binary.LittleEndian.PutUint32(boot[32:36], totalSectors)
	binary.LittleEndian.PutUint32(boot[36:40], fatSize32)
	binary.LittleEndian.PutUint32(boot[44:48], rootCluster)
	binary.LittleEndian.PutUint16(boot[48:50], fsInfoSector)
	binary.LittleEndian.PutUint16(boot[50:52], backupBootSector)
	boot[510], boot[511] = 0x55, 0xAA
	dev.WriteBlock(0, &boot)
	dev.WriteBlock(backupBootSector, &boot)

	clusterCount := (totalSectors - reservedSectors - numFATs*fatSize32) / secPerClus

	info := [kconfig.SectorSize]byte{}
	binary.LittleEndian.PutUint32(info[0:4], 0x41615252)
	binary.LittleEndian.PutUint32(info[484:488], 0x61417272)
	binary.LittleEndian.PutUint32(info[488:492], clusterCount-1) // root cluster already taken
	binary.LittleEndian.PutUint32(info[492:496], rootCluster+1)
	binary.LittleEndian.PutUint32(info[508:512], 0xAA550000)
	dev.WriteBlock(uint64(fsInfoSector), &info)

	fat := [kconfig.SectorSize]byte{}
	binary.LittleEndian.PutUint32(fat[0:4], entryEOCHigh)  // cluster 0, reserved
	binary.LittleEndian.PutUint32(fat[4:8], entryEOCHigh)  // cluster 1, reserved
	binary.LittleEndian.PutUint32(fat[8:12], entryEOCHigh) // cluster 2, the root directory
	for n := 0; n < numFATs; n++ {
		dev.WriteBlock(uint64(reservedSectors)+uint64(n)*uint64(fatSize32), &fat)
	}

	rootSec := (uint64(rootCluster)-2)*secPerClus + uint64(reservedSectors) + numFATs*uint64(fatSize32)
	zero := [kconfig.SectorSize]byte{}
	dev.WriteBlock(rootSec, &zero)

	return kerr.None
}

// fatSizeForCapacity picks the smallest FAT size (in sectors) that can
// address every data cluster once that FAT's own sectors (times numFATs)
// are subtracted from the volume. Converges in a handful of iterations
// since each step only changes the FAT-overhead estimate by a few
// sectors.
func fatSizeForCapacity(totalSectors uint32, reservedSectors, numFATs uint32) uint32 {
	fatSize := uint32(1)
	for i := 0; i < 16; i++ {
		avail := totalSectors - reservedSectors - numFATs*fatSize
		need := (avail*4 + kconfig.SectorSize - 1) / kconfig.SectorSize
		if need == fatSize {
			break
		}
		fatSize = need
	}
	return fatSize
}
