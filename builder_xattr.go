package ffs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Extended attribute namespaces.
const (
	extattrNamespaceUser   = 1
	extattrNamespaceSystem = 2
)

// extattrHdrSize is the fixed part of a record: length u32, namespace u8,
// content padding u8, name length u8.
const extattrHdrSize = 7

// extattr is one record of the UFS2 extended attribute area. Records are
// padded to 8 bytes, and so is the content following the name.
type extattr struct {
	namespace uint8
	name      string
	value     []byte
}

// parseXattrName splits a full attribute name into its namespace and the
// name without prefix.
func parseXattrName(name string) (uint8, string, error) {
	prefixes := []struct {
		prefix    string
		namespace uint8
	}{
		{"user.", extattrNamespaceUser},
		{"system.", extattrNamespaceSystem},
	}

	for _, p := range prefixes {
		if strings.HasPrefix(name, p.prefix) {
			short := strings.TrimPrefix(name, p.prefix)
			if short == "" || len(short) > 255 {
				return 0, "", fmt.Errorf("invalid xattr name: %s", name)
			}
			return p.namespace, short, nil
		}
	}

	return 0, "", fmt.Errorf("unknown xattr namespace in: %s", name)
}

func xattrNamespacePrefix(namespace uint8) string {
	switch namespace {
	case extattrNamespaceUser:
		return "user."
	case extattrNamespaceSystem:
		return "system."
	default:
		return fmt.Sprintf("unknown(%d).", namespace)
	}
}

func (a *extattr) recordLen() int {
	return roundup(extattrHdrSize+len(a.name), 8) + roundup(len(a.value), 8)
}

// encodeExtattrs lays out the records back to back.
func (b *builder) encodeExtattrs(attrs []extattr) []byte {
	bo := b.s.bo
	var out []byte
	for _, a := range attrs {
		rec := make([]byte, a.recordLen())
		hdr := roundup(extattrHdrSize+len(a.name), 8)
		bo.PutUint32(rec, uint32(len(rec)))
		rec[4] = a.namespace
		rec[5] = uint8(roundup(len(a.value), 8) - len(a.value))
		rec[6] = uint8(len(a.name))
		copy(rec[extattrHdrSize:], a.name)
		copy(rec[hdr:], a.value)
		out = append(out, rec...)
	}
	return out
}

func (b *builder) decodeExtattrs(raw []byte) ([]extattr, error) {
	bo := b.s.bo
	var attrs []extattr
	for off := 0; off < len(raw); {
		if len(raw)-off < extattrHdrSize {
			return nil, fmt.Errorf("truncated extattr record at %d", off)
		}
		rec := raw[off:]
		length := int(bo.Uint32(rec))
		namelen := int(rec[6])
		hdr := roundup(extattrHdrSize+namelen, 8)
		if length < hdr || length%8 != 0 || length > len(rec) || int(rec[5]) > length-hdr {
			return nil, fmt.Errorf("bad extattr record length %d at %d", length, off)
		}
		attrs = append(attrs, extattr{
			namespace: rec[4],
			name:      string(rec[extattrHdrSize : extattrHdrSize+namelen]),
			value:     append([]byte(nil), rec[hdr:length-int(rec[5])]...),
		})
		off += length
	}
	return attrs, nil
}

// extFrags returns the fragment count of ext block i for an area of
// extsize bytes.
func (b *builder) extFrags(extsize int64, i int) int {
	fs := b.s.fs
	if int64(i) == howmany(extsize, int64(fs.Bsize))-1 && fs.blkoff(extsize) != 0 {
		return int(fs.numfrags(fs.fragroundup(fs.blkoff(extsize))))
	}
	return int(fs.Frag)
}

// readExtattrs decodes the attribute area of ino.
func (b *builder) readExtattrs(ino uint64) ([]extattr, error) {
	s := b.s
	if !s.fs.isUFS2() {
		return nil, errors.New("extended attributes need UFS2")
	}
	di := s.ginode(ino)
	var raw []byte
	for i := 0; i < 2; i++ {
		if di.Extb[i] == 0 {
			continue
		}
		raw = append(raw, b.readFrags(di.Extb[i], b.extFrags(int64(di.Extsize), i))...)
	}
	if len(raw) < int(di.Extsize) {
		return nil, fmt.Errorf("inode %d: extattr area shorter than %d bytes", ino, di.Extsize)
	}
	return b.decodeExtattrs(raw[:di.Extsize])
}

// writeExtattrs replaces the attribute area of ino.
func (b *builder) writeExtattrs(ino uint64, attrs []extattr) error {
	s := b.s
	fs := s.fs
	raw := b.encodeExtattrs(attrs)
	if len(raw) > 2*int(fs.Bsize) {
		return fmt.Errorf("extended attributes too large: %d bytes", len(raw))
	}

	di := s.ginode(ino)
	var freed int64
	for i := 0; i < 2; i++ {
		if di.Extb[i] == 0 {
			continue
		}
		n := b.extFrags(int64(di.Extsize), i)
		s.freeblk(di.Extb[i], n)
		freed += int64(n)
		di.Extb[i] = 0
	}

	size := int64(len(raw))
	var added int64
	for i := 0; int64(i) < howmany(size, int64(fs.Bsize)); i++ {
		n := b.extFrags(size, i)
		blk := s.allocblk(n)
		if blk < 0 {
			return errNoSpace
		}
		chunk := raw[i*int(fs.Bsize) : minOf((i+1)*int(fs.Bsize), len(raw))]
		b.writeFrags(blk, n, chunk)
		di.Extb[i] = blk
		added += int64(n)
	}

	delta := (added - freed) * int64(fs.Fsize) / devBSize
	di.Extsize = int32(size)
	di.Blocks = uint64(int64(di.Blocks) + delta)
	s.putInode(ino, di)
	s.quota.add(di.UID, di.GID, delta, 0)
	return nil
}

func (b *builder) setXattr(ino uint64, name string, value []byte) error {
	namespace, short, err := parseXattrName(name)
	if err != nil {
		return err
	}
	return b.run(func() error {
		if err := b.checkInode(ino); err != nil {
			return err
		}
		attrs, err := b.readExtattrs(ino)
		if err != nil {
			return err
		}
		replaced := false
		for i := range attrs {
			if attrs[i].namespace == namespace && attrs[i].name == short {
				attrs[i].value = append([]byte(nil), value...)
				replaced = true
			}
		}
		if !replaced {
			attrs = append(attrs, extattr{namespace: namespace, name: short, value: append([]byte(nil), value...)})
		}
		return b.writeExtattrs(ino, attrs)
	})
}

func (b *builder) listXattrs(ino uint64) ([]string, error) {
	var names []string
	err := b.run(func() error {
		if err := b.checkInode(ino); err != nil {
			return err
		}
		attrs, err := b.readExtattrs(ino)
		if err != nil {
			return err
		}
		for _, a := range attrs {
			names = append(names, xattrNamespacePrefix(a.namespace)+a.name)
		}
		return nil
	})
	sort.Strings(names)
	return names, err
}

func (b *builder) getXattr(ino uint64, name string) ([]byte, error) {
	namespace, short, err := parseXattrName(name)
	if err != nil {
		return nil, err
	}
	var value []byte
	err = b.run(func() error {
		if err := b.checkInode(ino); err != nil {
			return err
		}
		attrs, err := b.readExtattrs(ino)
		if err != nil {
			return err
		}
		for _, a := range attrs {
			if a.namespace == namespace && a.name == short {
				value = a.value
				return nil
			}
		}
		return fmt.Errorf("xattr %s not found on inode %d", name, ino)
	})
	return value, err
}

func (b *builder) removeXattr(ino uint64, name string) error {
	namespace, short, err := parseXattrName(name)
	if err != nil {
		return err
	}
	return b.run(func() error {
		if err := b.checkInode(ino); err != nil {
			return err
		}
		attrs, err := b.readExtattrs(ino)
		if err != nil {
			return err
		}
		kept := attrs[:0]
		for _, a := range attrs {
			if a.namespace != namespace || a.name != short {
				kept = append(kept, a)
			}
		}
		if len(kept) == len(attrs) {
			return nil
		}
		return b.writeExtattrs(ino, kept)
	})
}
