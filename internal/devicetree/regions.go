package devicetree

import "strings"

// GetMemoryRegions returns the "reg" ranges of every node whose
// device_type is "memory" (spec.md: "get_memory_regions"), the usable RAM
// windows the early page allocator seeds itself from.
func (t *Tree) GetMemoryRegions() []MemRegion {
	var out []MemRegion
	t.Walk(func(n *Node) {
		dt, ok := n.GetProperty("device_type")
		if !ok || string(trimNul(dt)) != "memory" {
			return
		}
		regs, err := n.GetStdRegs()
		if err != nil {
			return
		}
		for _, r := range regs {
			out = append(out, MemRegion{Addr: r.Addr, Size: r.Size})
		}
	})
	return out
}

// GetReservedRegions returns every statically reserved physical range: the
// header's memory-reservation block plus any child of /reserved-memory
// (spec.md: "get_reserved_regions" — ranges the page allocator must never
// hand out, e.g. the DTB blob itself or firmware-owned memory).
func (t *Tree) GetReservedRegions() []MemRegion {
	out := append([]MemRegion(nil), t.Reserved...)
	if t.Root == nil {
		return out
	}
	for _, c := range t.Root.Children {
		if c.Name != "reserved-memory" && !strings.HasPrefix(c.Name, "reserved-memory@") {
			continue
		}
		for _, child := range c.Children {
			regs, err := child.GetStdRegs()
			if err != nil {
				continue
			}
			for _, r := range regs {
				out = append(out, MemRegion{Addr: r.Addr, Size: r.Size})
			}
		}
	}
	return out
}

func trimNul(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}
