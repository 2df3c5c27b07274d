package fat32

import (
	"encoding/binary"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"duckos/internal/kerr"
)

// Status classifies the first byte of a raw 32-byte directory entry
// (§4.11).
type Status int

const (
	StatusEmpty Status = iota
	StatusFree
	StatusSpecial
	StatusNormal
)

const dirEntrySize = 32

// rawDirEntry is one 32-byte slot of a directory's cluster chain,
// interpreted either as a short 8.3 entry or a long-filename fragment
// depending on its attribute byte.
type rawDirEntry [dirEntrySize]byte

func (r *rawDirEntry) status() Status {
	switch r[0] {
	case 0x00:
		return StatusEmpty
	case 0xE5:
		return StatusFree
	case 0x2E:
		return StatusSpecial
	default:
		return StatusNormal
	}
}

func (r *rawDirEntry) isLongFragment() bool { return r[11] == 0x0F }

// ShortEntry is a parsed 8.3 directory entry.
type ShortEntry struct {
	Name         string // "NAME.EXT", untrimmed 8.3 form
	Attr         uint8
	FirstCluster uint32
	FileSize     uint32
}

const (
	AttrReadOnly  uint8 = 0x01
	AttrHidden    uint8 = 0x02
	AttrSystem    uint8 = 0x04
	AttrVolumeID  uint8 = 0x08
	AttrDirectory uint8 = 0x10
	AttrArchive   uint8 = 0x20
	AttrLongName  uint8 = 0x0F
)

func parseShort(r *rawDirEntry) ShortEntry {
	name := strings.TrimRight(string(r[0:8]), " ")
	ext := strings.TrimRight(string(r[8:11]), " ")
	full := name
	if ext != "" {
		full = name + "." + ext
	}
	clusHi := binary.LittleEndian.Uint16(r[20:22])
	clusLo := binary.LittleEndian.Uint16(r[26:28])
	return ShortEntry{
		Name:         full,
		Attr:         r[11],
		FirstCluster: uint32(clusHi)<<16 | uint32(clusLo),
		FileSize:     binary.LittleEndian.Uint32(r[28:32]),
	}
}

// longNameChars extracts the 13 UTF-16LE code units (10+12+4 bytes, per
// §6) carried by one long-filename fragment, stopping at the first NUL or
// 0xFFFF padding unit.
func longNameChars(r *rawDirEntry) []byte {
	var units []byte
	units = append(units, r[1:11]...)
	units = append(units, r[14:26]...)
	units = append(units, r[28:32]...)
	for i := 0; i+1 < len(units); i += 2 {
		if (units[i] == 0 && units[i+1] == 0) || (units[i] == 0xFF && units[i+1] == 0xFF) {
			return units[:i]
		}
	}
	return units
}

// decodeUTF16LE decodes raw UTF-16LE bytes to a Go string, emitting the
// Unicode replacement character for unpaired surrogate units (§6) instead
// of failing the whole decode.
func decodeUTF16LE(b []byte) string {
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := dec.Bytes(b)
	if err != nil {
		return string([]rune{0xFFFD})
	}
	return string(out)
}

// DirRecord is one fully-assembled directory entry: a short entry plus
// whatever long-filename fragments preceded it, giving the long name when
// present or falling back to the short 8.3 name.
type DirRecord struct {
	Name         string
	Attr         uint8
	FirstCluster uint32
	FileSize     uint32
	// Sector/Offset locate the short entry's slot, for unlink/rewrite.
	Sector uint64
	Offset int
}

func (d DirRecord) IsDir() bool { return d.Attr&AttrDirectory != 0 }

// ReadDir walks the directory's cluster chain and returns its entries,
// grouping consecutive long-filename fragments with the short entry that
// terminates them, skipping "." and ".." (§4.11).
func (fs *FS) ReadDir(startCluster uint32) ([]DirRecord, kerr.Code) {
	clusters, errc := fs.Fat.Walk(startCluster)
	if errc != kerr.None {
		return nil, errc
	}

	var records []DirRecord
	var pendingLong [][]byte

	secPerClus := uint64(fs.BPB.SectorsPerCluster)
	perSector := uint64(fs.BPB.BytesPerSector) / dirEntrySize

outer:
	for _, cl := range clusters {
		startSec := fs.BPB.ClusterToSector(cl)
		for s := uint64(0); s < secPerClus; s++ {
			sec := startSec + s
			e, errc := fs.Cache.Get(sec)
			if errc != kerr.None {
				return nil, errc
			}
			e.Lock()
			var raws []rawDirEntry
			for i := uint64(0); i < perSector; i++ {
				var raw rawDirEntry
				copy(raw[:], e.Data()[i*dirEntrySize:(i+1)*dirEntrySize])
				raws = append(raws, raw)
			}
			e.Unlock()
			fs.Cache.Put(e)

			for i := range raws {
				r := &raws[i]
				switch r.status() {
				case StatusEmpty:
					break outer
				case StatusFree:
					pendingLong = nil
					continue
				case StatusSpecial:
					pendingLong = nil
					continue
				}
				if r.isLongFragment() {
					pendingLong = append(pendingLong, longNameChars(r))
					continue
				}
				short := parseShort(r)
				name := short.Name
				if len(pendingLong) > 0 {
					var sb strings.Builder
					for j := len(pendingLong) - 1; j >= 0; j-- {
						sb.WriteString(decodeUTF16LE(pendingLong[j]))
					}
					name = sb.String()
				}
				pendingLong = nil
				records = append(records, DirRecord{
					Name:         name,
					Attr:         short.Attr,
					FirstCluster: short.FirstCluster,
					FileSize:     short.FileSize,
					Sector:       sec,
					Offset:       int(i) * dirEntrySize,
				})
			}
		}
	}
	return records, kerr.None
}

// AddEntry writes a short directory entry into the first free (0x00 or
// 0xE5) slot of the parent directory's cluster chain (§4.11). Long-name
// fragments are not emitted; every created entry is addressable by its
// short 8.3 name, matching this kernel's simplified create path.
func (fs *FS) AddEntry(parentCluster uint32, name string, attr uint8, firstCluster, size uint32) (DirRecord, kerr.Code) {
	clusters, errc := fs.Fat.Walk(parentCluster)
	if errc != kerr.None {
		return DirRecord{}, errc
	}
	secPerClus := uint64(fs.BPB.SectorsPerCluster)
	perSector := uint64(fs.BPB.BytesPerSector) / dirEntrySize

	for _, cl := range clusters {
		startSec := fs.BPB.ClusterToSector(cl)
		for s := uint64(0); s < secPerClus; s++ {
			sec := startSec + s
			e, errc := fs.Cache.Get(sec)
			if errc != kerr.None {
				return DirRecord{}, errc
			}
			e.Lock()
			for i := uint64(0); i < perSector; i++ {
				off := int(i) * dirEntrySize
				b := e.Data()[off]
				if b == 0x00 || b == 0xE5 {
					writeShortEntry(e.Data()[off:off+dirEntrySize], name, attr, firstCluster, size)
					e.Unlock()
					fs.Cache.MarkDirty(e)
					fs.Cache.Put(e)
					return DirRecord{Name: name, Attr: attr, FirstCluster: firstCluster, FileSize: size, Sector: sec, Offset: off}, kerr.None
				}
			}
			e.Unlock()
			fs.Cache.Put(e)
		}
	}
	return DirRecord{}, kerr.NoMemory
}

// RemoveEntry marks the short entry at (sector, offset) free (§4.11).
// Freeing the entry's data clusters is the caller's responsibility (the
// inode layer, which knows whether other links still reference them).
func (fs *FS) RemoveEntry(sector uint64, offset int) kerr.Code {
	e, errc := fs.Cache.Get(sector)
	if errc != kerr.None {
		return errc
	}
	e.Lock()
	e.Data()[offset] = 0xE5
	e.Unlock()
	fs.Cache.MarkDirty(e)
	fs.Cache.Put(e)
	return kerr.None
}

func writeShortEntry(buf []byte, name string, attr uint8, firstCluster, size uint32) {
	for i := range buf {
		buf[i] = 0
	}
	base, ext := splitShortName(name)
	copy(buf[0:8], padRight(base, 8))
	copy(buf[8:11], padRight(ext, 3))
	buf[11] = attr
	binary.LittleEndian.PutUint16(buf[20:22], uint16(firstCluster>>16))
	binary.LittleEndian.PutUint16(buf[26:28], uint16(firstCluster&0xFFFF))
	binary.LittleEndian.PutUint32(buf[28:32], size)
}

func splitShortName(name string) (base, ext string) {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return strings.ToUpper(name[:i]), strings.ToUpper(name[i+1:])
	}
	return strings.ToUpper(name), ""
}

func padRight(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}
