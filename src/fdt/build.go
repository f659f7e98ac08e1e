package fdt

import "numacfg"

// BuildNode is the input shape for Build: a tree description a test
// can construct directly, without needing a real firmware-produced
// blob. Build exists only to exercise Parse's round-trip property; it
// is not a general DTB compiler.
type BuildNode struct {
	Name     string
	Props    map[string][]byte
	Children []*BuildNode
}

// Build serializes root into a valid DTB blob: header, struct block,
// strings block, in that order, with no memory-reservation entries.
func Build(root *BuildNode) []byte {
	var strings []byte
	stringOff := map[string]uint32{}
	internString := func(s string) uint32 {
		if off, ok := stringOff[s]; ok {
			return off
		}
		off := uint32(len(strings))
		stringOff[s] = off
		strings = append(strings, s...)
		strings = append(strings, 0)
		return off
	}

	var structBlock []byte
	putU32 := func(v uint32) {
		structBlock = append(structBlock, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
	putAlignedString := func(s string) {
		structBlock = append(structBlock, s...)
		structBlock = append(structBlock, 0)
		for len(structBlock)%4 != 0 {
			structBlock = append(structBlock, 0)
		}
	}

	var emit func(n *BuildNode)
	emit = func(n *BuildNode) {
		putU32(numacfg.FDTBeginNode)
		putAlignedString(n.Name)
		for name, val := range n.Props {
			putU32(numacfg.FDTProp)
			putU32(uint32(len(val)))
			putU32(internString(name))
			structBlock = append(structBlock, val...)
			for len(structBlock)%4 != 0 {
				structBlock = append(structBlock, 0)
			}
		}
		for _, c := range n.Children {
			emit(c)
		}
		putU32(numacfg.FDTEndNode)
	}
	emit(root)
	putU32(numacfg.FDTEnd)

	const headerLen = 40
	offDtStruct := uint32(headerLen)
	offDtStrings := offDtStruct + uint32(len(structBlock))
	total := offDtStrings + uint32(len(strings))

	blob := make([]byte, total)
	put := func(off int, v uint32) {
		blob[off] = byte(v >> 24)
		blob[off+1] = byte(v >> 16)
		blob[off+2] = byte(v >> 8)
		blob[off+3] = byte(v)
	}
	put(0, numacfg.FDTMagic)
	put(4, total)
	put(8, offDtStruct)
	put(12, offDtStrings)
	put(16, headerLen) // empty mem-rsvmap, unused by Parse
	put(20, 17)
	put(24, 16)
	put(28, 0)
	put(32, uint32(len(strings)))
	put(36, uint32(len(structBlock)))

	copy(blob[offDtStruct:], structBlock)
	copy(blob[offDtStrings:], strings)
	return blob
}
