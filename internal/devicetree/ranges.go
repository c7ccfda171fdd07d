package devicetree

import "github.com/bekos-project/bekos/internal/errno"

// addressCells and sizeCells read the #address-cells/#size-cells that
// govern how n's own "reg"/"ranges" entries are encoded. Per the device
// tree convention these properties live on the parent (bus) node, not on
// n itself, defaulting to 2 and 1 when absent.
func addressCells(parent *Node) uint32 {
	if parent == nil {
		return 2
	}
	if v, ok := parent.GetPropertyU32("#address-cells"); ok {
		return v
	}
	return 2
}

func sizeCells(parent *Node) uint32 {
	if parent == nil {
		return 1
	}
	if v, ok := parent.GetPropertyU32("#size-cells"); ok {
		return v
	}
	return 1
}

// Reg is one entry of a node's "reg" property: an address in the node's
// own bus and its length.
type Reg struct {
	Addr uint64
	Size uint64
}

// GetStdRegs parses n's "reg" property using n.Parent's #address-cells and
// #size-cells (spec.md: "honors #address-cells/#size-cells").
func (n *Node) GetStdRegs() ([]Reg, error) {
	raw, ok := n.GetProperty("reg")
	if !ok {
		return nil, nil
	}
	ac, sc := addressCells(n.Parent), sizeCells(n.Parent)
	entryLen := int(ac+sc) * 4
	if entryLen == 0 || len(raw)%entryLen != 0 {
		return nil, errno.EINVAL
	}
	var out []Reg
	for off := 0; off+entryLen <= len(raw); off += entryLen {
		a, n1 := readCells(raw[off:], ac)
		s, _ := readCells(raw[off+n1:], sc)
		out = append(out, Reg{Addr: a, Size: s})
	}
	return out, nil
}

// RangeEntry is one entry of a "ranges"/"dma-ranges" property: a window in
// the child bus's address space mapped to an address in the parent's.
type RangeEntry struct {
	ChildAddr  uint64
	ParentAddr uint64
	Size       uint64
}

// getRangesProperty parses propName on n using n's own #address-cells (for
// the child-side address), n.Parent's #address-cells (for the parent-side
// address), and n's own #size-cells.
func (n *Node) getRangesProperty(propName string) ([]RangeEntry, error) {
	raw, ok := n.GetProperty(propName)
	if !ok {
		return nil, nil
	}
	childAC, ok := n.GetPropertyU32("#address-cells")
	if !ok {
		childAC = 2
	}
	parentAC := addressCells(n.Parent)
	sc, ok := n.GetPropertyU32("#size-cells")
	if !ok {
		sc = 1
	}
	entryLen := int(childAC+parentAC+sc) * 4
	if entryLen == 0 || len(raw)%entryLen != 0 {
		return nil, errno.EINVAL
	}
	var out []RangeEntry
	for off := 0; off+entryLen <= len(raw); off += entryLen {
		child, n1 := readCells(raw[off:], childAC)
		parent, n2 := readCells(raw[off+n1:], parentAC)
		size, _ := readCells(raw[off+n1+n2:], sc)
		out = append(out, RangeEntry{ChildAddr: child, ParentAddr: parent, Size: size})
	}
	return out, nil
}

// GetRanges returns n's "ranges" property (spec.md: "iterable range array
// with parent/child/size cells").
func (n *Node) GetRanges() ([]RangeEntry, error) { return n.getRangesProperty("ranges") }

// GetDMAToPhysRanges returns n's "dma-ranges" property, falling back to an
// empty (identity) translation when the node has none (spec.md: "identity
// fallback").
func (n *Node) GetDMAToPhysRanges() ([]RangeEntry, error) {
	if _, ok := n.GetProperty("dma-ranges"); !ok {
		return nil, nil
	}
	return n.getRangesProperty("dma-ranges")
}

// translateThrough finds the range entry covering childAddr and returns the
// corresponding parent-side address.
func translateThrough(ranges []RangeEntry, childAddr uint64) (uint64, bool) {
	for _, r := range ranges {
		if childAddr >= r.ChildAddr && childAddr < r.ChildAddr+r.Size {
			return r.ParentAddr + (childAddr - r.ChildAddr), true
		}
	}
	return 0, false
}

// MapRegionToRoot walks the "ranges" property of each bus ancestor of n,
// translating childAddr (given in n's own bus address space, i.e. the
// space n's "reg" property is encoded in) up through every bridge until it
// reaches an address in the root's own space — ordinary physical memory —
// per spec.md's map_region_to_root. A bridge with no "ranges" property at
// all breaks the chain (ENODEV) unless it is the root itself, which is
// conventionally address-transparent with physical memory.
func (n *Node) MapRegionToRoot(childAddr uint64) (uint64, error) {
	addrV := childAddr
	for cur := n.Parent; cur != nil; cur = cur.Parent {
		ranges, err := cur.GetRanges()
		if err != nil {
			return 0, err
		}
		if ranges != nil {
			translated, ok := translateThrough(ranges, addrV)
			if !ok {
				return 0, errno.ENODEV
			}
			addrV = translated
			continue
		}
		if _, has := cur.GetProperty("ranges"); has {
			continue // explicit empty ranges: address-transparent
		}
		if cur.Parent == nil {
			break // root with no ranges: already physical
		}
		return 0, errno.ENODEV
	}
	return addrV, nil
}
