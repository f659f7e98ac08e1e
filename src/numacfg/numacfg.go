// Package numacfg collects the machine-wide constants every other
// package in this tree needs: page size, communication buffer sizing
// and the FDT wire constants. Kept as plain Go constants rather than a
// config file loader, matching how biscuit keeps PGSIZE-style values
// as plain constants.
package numacfg

const (
	// PageSize is the unit of physical memory allocation.
	PageSize = 4096

	// CommBufSize is the size of one domain's IPI message ring,
	// carved out of that domain's memory range during planning.
	CommBufSize = 2 * 1024 * 1024

	// MessageSize is the encoded size of one ring slot: an 8-byte
	// function pointer plus two 8-byte arguments.
	MessageSize = 24

	// NMessages is the number of slots that fit in CommBufSize.
	NMessages = CommBufSize / MessageSize
)

const (
	// FDTMagic is the big-endian magic number at the start of every
	// flattened device tree blob.
	FDTMagic = 0xd00dfeed

	// Default #address-cells / #size-cells when a node does not
	// specify its own.
	DefaultAddressCells = 2
	DefaultSizeCells    = 1
)

// FDT structure-block token values.
const (
	FDTBeginNode = 0x00000001
	FDTEndNode   = 0x00000002
	FDTProp      = 0x00000003
	FDTNop       = 0x00000004
	FDTEnd       = 0x00000009
)
