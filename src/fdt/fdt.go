// Package fdt parses a flattened device tree blob (DTB) as produced by
// firmware/bootloaders for RISC-V and ARM platforms: a big-endian
// header, a structure block of BEGIN_NODE/PROP/END_NODE/NOP/END
// tokens, and a strings block holding property names.
//
// Parsing builds a tree of *Node values up front rather than a
// visitor-callback walk, so the rest of this module can hold onto the
// result and query it repeatedly instead of re-walking the blob.
package fdt

import (
	"fmt"

	"numacfg"
	"util"
)

// Magic is the expected value of a DTB's leading 32-bit field.
const Magic = numacfg.FDTMagic

// Prop is a single device-tree property: a name and its raw value.
type Prop struct {
	Name  string
	Value []byte
}

// Node is one device-tree node together with the effective
// #address-cells/#size-cells it inherited (or overrode).
type Node struct {
	Name          string
	Props         []Prop
	Children      []*Node
	AddressCells  uint32
	SizeCells     uint32
}

// Prop looks up a property by name on this node only (no inheritance).
func (n *Node) Prop(name string) ([]byte, bool) {
	for _, p := range n.Props {
		if p.Name == name {
			return p.Value, true
		}
	}
	return nil, false
}

// RegEntry is one decoded (address, length) pair from a "reg" property.
type RegEntry struct {
	Address uint64
	Length  uint64
}

// Reg decodes this node's "reg" property using its effective cell
// sizes. It returns nil if the node has no "reg" property.
func (n *Node) Reg() []RegEntry {
	raw, ok := n.Prop("reg")
	if !ok {
		return nil
	}
	cellw := int(n.AddressCells+n.SizeCells) * 4
	if cellw == 0 || len(raw)%cellw != 0 {
		return nil
	}
	var out []RegEntry
	for off := 0; off+cellw <= len(raw); off += cellw {
		addr := decodeCells(raw[off:], int(n.AddressCells))
		length := decodeCells(raw[off+int(n.AddressCells)*4:], int(n.SizeCells))
		out = append(out, RegEntry{Address: addr, Length: length})
	}
	return out
}

func decodeCells(b []byte, cells int) uint64 {
	var v uint64
	for i := 0; i < cells; i++ {
		v = v<<32 | uint64(util.Be32(b, i*4))
	}
	return v
}

// header is the flattened device tree blob header: ten big-endian
// uint32 fields.
type header struct {
	magic            uint32
	totalsize        uint32
	offDtStruct      uint32
	offDtStrings     uint32
	offMemRsvmap     uint32
	version          uint32
	lastCompVersion  uint32
	bootCpuidPhys    uint32
	sizeDtStrings    uint32
	sizeDtStruct     uint32
}

const headerSize = 40

func parseHeader(blob []byte, addr uint64) (header, error) {
	if addr%8 != 0 {
		return header{}, fmt.Errorf("fdt: blob address 0x%x is not 8-byte aligned", addr)
	}
	if len(blob) < headerSize {
		return header{}, fmt.Errorf("fdt: blob too short for header")
	}
	h := header{
		magic:           util.Be32(blob, 0),
		totalsize:       util.Be32(blob, 4),
		offDtStruct:     util.Be32(blob, 8),
		offDtStrings:    util.Be32(blob, 12),
		offMemRsvmap:    util.Be32(blob, 16),
		version:         util.Be32(blob, 20),
		lastCompVersion: util.Be32(blob, 24),
		bootCpuidPhys:   util.Be32(blob, 28),
		sizeDtStrings:   util.Be32(blob, 32),
		sizeDtStruct:    util.Be32(blob, 36),
	}
	if h.magic != Magic {
		return header{}, fmt.Errorf("fdt: bad magic 0x%x, expected 0x%x", h.magic, Magic)
	}
	return h, nil
}

// parser holds the shared state needed while walking the structure
// block: the blob, the strings block offset, and the struct block's
// end offset.
type parser struct {
	blob    []byte
	strings uint32
	end     uint32
}

// Parse validates the header and walks the structure block, returning
// the root node of the tree. addr is the blob's own physical placement
// (0 when the caller has no real placement, e.g. a blob read from a
// file) and must be 8-byte aligned, matching the placement firmware
// guarantees for a real flattened device tree. Address/size cells
// default to 2/1 and are inherited from parent to child unless a node
// overrides them with its own #address-cells/#size-cells property.
func Parse(blob []byte, addr uint64) (*Node, error) {
	h, err := parseHeader(blob, addr)
	if err != nil {
		return nil, err
	}
	if int(h.offDtStruct+h.sizeDtStruct) > len(blob) {
		return nil, fmt.Errorf("fdt: struct block runs past end of blob")
	}
	p := &parser{
		blob:    blob,
		strings: h.offDtStrings,
		end:     h.offDtStruct + h.sizeDtStruct,
	}
	cur := h.offDtStruct
	tok, err := p.peekToken(cur)
	if err != nil {
		return nil, err
	}
	if tok != numacfg.FDTBeginNode {
		return nil, fmt.Errorf("fdt: structure block does not start with FDT_BEGIN_NODE")
	}
	root, _, err := p.parseNode(cur, numacfg.DefaultAddressCells, numacfg.DefaultSizeCells)
	return root, err
}

func (p *parser) peekToken(off uint32) (uint32, error) {
	if int(off+4) > len(p.blob) {
		return 0, fmt.Errorf("fdt: token read past end of blob")
	}
	return util.Be32(p.blob, int(off)), nil
}

func align4(off uint32) uint32 {
	return (off + 3) &^ 3
}

// parseNode consumes one FDT_BEGIN_NODE...FDT_END_NODE sequence
// starting at off (which must point at the BEGIN_NODE token) and
// returns the parsed node plus the offset just past its END_NODE
// token.
func (p *parser) parseNode(off uint32, parentAddrCells, parentSizeCells uint32) (*Node, uint32, error) {
	tok, err := p.peekToken(off)
	if err != nil || tok != numacfg.FDTBeginNode {
		return nil, 0, fmt.Errorf("fdt: expected FDT_BEGIN_NODE at %d", off)
	}
	cur := off + 4
	name, next := p.readString(cur)
	cur = align4(next)

	n := &Node{Name: name, AddressCells: parentAddrCells, SizeCells: parentSizeCells}

	for {
		tok, err := p.peekToken(cur)
		if err != nil {
			return nil, 0, err
		}
		switch tok {
		case numacfg.FDTNop:
			cur += 4
		case numacfg.FDTProp:
			prop, next, err := p.parseProp(cur)
			if err != nil {
				return nil, 0, err
			}
			n.Props = append(n.Props, prop)
			if prop.Name == "#address-cells" && len(prop.Value) == 4 {
				n.AddressCells = util.Be32(prop.Value, 0)
			}
			if prop.Name == "#size-cells" && len(prop.Value) == 4 {
				n.SizeCells = util.Be32(prop.Value, 0)
			}
			cur = next
		case numacfg.FDTBeginNode:
			child, next, err := p.parseNode(cur, n.AddressCells, n.SizeCells)
			if err != nil {
				return nil, 0, err
			}
			n.Children = append(n.Children, child)
			cur = next
		case numacfg.FDTEndNode:
			return n, cur + 4, nil
		case numacfg.FDTEnd:
			return nil, 0, fmt.Errorf("fdt: unexpected FDT_END inside node %q", name)
		default:
			return nil, 0, fmt.Errorf("fdt: unknown token 0x%x at offset %d", tok, cur)
		}
	}
}

// readString reads a NUL-terminated string starting at off and returns
// it along with the offset of the byte just past the terminator.
func (p *parser) readString(off uint32) (string, uint32) {
	start := off
	for p.blob[off] != 0 {
		off++
	}
	return string(p.blob[start:off]), off + 1
}

func (p *parser) parseProp(off uint32) (Prop, uint32, error) {
	length := util.Be32(p.blob, int(off+4))
	nameoff := util.Be32(p.blob, int(off+8))
	name, _ := p.readString(p.strings + nameoff)
	dataStart := off + 12
	if int(dataStart+length) > len(p.blob) {
		return Prop{}, 0, fmt.Errorf("fdt: property %q value runs past end of blob", name)
	}
	value := make([]byte, length)
	copy(value, p.blob[dataStart:dataStart+length])
	next := align4(dataStart + length)
	return Prop{Name: name, Value: value}, next, nil
}

// Walk calls f for every node in the tree rooted at n, depth first,
// including n itself.
func Walk(n *Node, f func(*Node)) {
	f(n)
	for _, c := range n.Children {
		Walk(c, f)
	}
}
