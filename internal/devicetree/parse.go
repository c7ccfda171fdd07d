package devicetree

import "github.com/bekos-project/bekos/internal/errno"

// FDT header and token layout, grounded on the teacher's dtb_qemu.go
// (fdtMagic, fdtBeginNode/fdtEndNode/fdtProp/fdtNop/fdtEnd, the be32/be64
// readers, and off_dt_struct/off_dt_strings living at header offsets 8/12)
// generalized from a single linear scan for one property into a full
// recursive-descent tree builder.
const (
	fdtMagic = 0xd00dfeed

	fdtBeginNode = 1
	fdtEndNode   = 2
	fdtProp      = 3
	fdtNop       = 4
	fdtEnd       = 9
)

// header mirrors the 10-word FDT header (all fields big-endian uint32).
type header struct {
	magic            uint32
	totalSize        uint32
	offDtStruct      uint32
	offDtStrings     uint32
	offMemRsvmap     uint32
	version          uint32
	lastCompVersion  uint32
	bootCpuidPhys    uint32
	sizeDtStrings    uint32
	sizeDtStruct     uint32
}

func parseHeader(b []byte) (header, error) {
	if len(b) < 40 {
		return header{}, errno.EINVAL
	}
	h := header{
		magic:           beUint32(b[0:]),
		totalSize:       beUint32(b[4:]),
		offDtStruct:     beUint32(b[8:]),
		offDtStrings:    beUint32(b[12:]),
		offMemRsvmap:    beUint32(b[16:]),
		version:         beUint32(b[20:]),
		lastCompVersion: beUint32(b[24:]),
		bootCpuidPhys:   beUint32(b[28:]),
		sizeDtStrings:   beUint32(b[32:]),
		sizeDtStruct:    beUint32(b[36:]),
	}
	if h.magic != fdtMagic {
		return header{}, errno.EINVAL
	}
	return h, nil
}

// Parse builds an owned Node tree plus phandle index from a raw FDT blob.
func Parse(b []byte) (*Tree, error) {
	h, err := parseHeader(b)
	if err != nil {
		return nil, err
	}

	t := &Tree{ByPhandle: make(map[uint32]*Node)}
	t.Reserved = parseReservations(b, uintptr(h.offMemRsvmap))

	p := &parser{
		buf:     b,
		strings: uintptr(h.offDtStrings),
	}
	pos := uintptr(h.offDtStruct)

	root, pos, err := p.parseNode(pos)
	if err != nil {
		return nil, err
	}
	t.Root = root
	t.Root.Name = "/"
	registerPhandles(t, t.Root)

	// Trailing FDT_END is expected but not required; a well-formed blob's
	// struct block ends with it immediately after the root node closes.
	_ = pos
	return t, nil
}

func parseReservations(b []byte, off uintptr) []MemRegion {
	var out []MemRegion
	for off+16 <= uintptr(len(b)) {
		addrV := beUint64(b[off:])
		size := beUint64(b[off+8:])
		if addrV == 0 && size == 0 {
			break
		}
		out = append(out, MemRegion{Addr: addrV, Size: size})
		off += 16
	}
	return out
}

func registerPhandles(t *Tree, n *Node) {
	if ph, ok := n.GetPropertyU32("phandle"); ok {
		n.Phandle = ph
		t.ByPhandle[ph] = n
	} else if ph, ok := n.GetPropertyU32("linux,phandle"); ok {
		n.Phandle = ph
		t.ByPhandle[ph] = n
	}
	for _, c := range n.Children {
		registerPhandles(t, c)
	}
}

type parser struct {
	buf     []byte
	strings uintptr
}

func align4(off uintptr) uintptr { return (off + 3) &^ 3 }

func (p *parser) nameAt(off uintptr) string {
	end := off
	for end < uintptr(len(p.buf)) && p.buf[end] != 0 {
		end++
	}
	return string(p.buf[off:end])
}

// parseNode consumes one FDT_BEGIN_NODE...FDT_END_NODE span starting at
// off (which must point at the FDT_BEGIN_NODE token) and returns the built
// Node plus the offset just past its FDT_END_NODE token.
func (p *parser) parseNode(off uintptr) (*Node, uintptr, error) {
	if off+4 > uintptr(len(p.buf)) || beUint32(p.buf[off:]) != fdtBeginNode {
		return nil, 0, errno.EINVAL
	}
	off += 4
	name := p.nameAt(off)
	off = align4(off + uintptr(len(name)) + 1)

	n := &Node{Name: name, Properties: make(map[string][]byte)}

	for {
		if off+4 > uintptr(len(p.buf)) {
			return nil, 0, errno.EINVAL
		}
		tok := beUint32(p.buf[off:])
		switch tok {
		case fdtNop:
			off += 4
		case fdtProp:
			off += 4
			if off+8 > uintptr(len(p.buf)) {
				return nil, 0, errno.EINVAL
			}
			length := beUint32(p.buf[off:])
			nameOff := beUint32(p.buf[off+4:])
			off += 8
			propName := p.nameAt(p.strings + uintptr(nameOff))
			n.Properties[propName] = p.buf[off : off+uintptr(length)]
			off = align4(off + uintptr(length))
		case fdtBeginNode:
			child, next, err := p.parseNode(off)
			if err != nil {
				return nil, 0, err
			}
			child.Parent = n
			n.Children = append(n.Children, child)
			off = next
		case fdtEndNode:
			return n, off + 4, nil
		case fdtEnd:
			return nil, 0, errno.EINVAL
		default:
			return nil, 0, errno.EINVAL
		}
	}
}
