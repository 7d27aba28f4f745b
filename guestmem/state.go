package guestmem

const (
	// PageBits is the log2 of the guest page size
	PageBits = 12
	// PageSize is the size of a guest page
	PageSize uint64 = 1 << PageBits
	// PageMask selects the offset of an address inside its guest page
	PageMask = PageSize - 1

	// pageToWordShift converts a page number to the index of the bitmap word holding it:
	// each 64-bit word holds 32 pages of 2 bits
	pageToWordShift = 5
	pagesPerWord    = 1 << pageToWordShift

	// blockMappedMask has the low bit of every 2-bit entry set
	blockMappedMask uint64 = 0x5555555555555555
	// blockWriteTrackedMask has the high bit of every 2-bit entry set
	blockWriteTrackedMask uint64 = 0xaaaaaaaaaaaaaaaa
)

// PageState is the 2-bit state the manager keeps for every guest page
type PageState uint64

const (
	// PageUnmapped pages have no backing memory. Any access is an error.
	PageUnmapped PageState = iota
	// PageMapped pages can be read and written without notifying the tracking collaborator
	PageMapped
	// PageWriteTracked pages notify the tracking collaborator before they are written
	PageWriteTracked
	// PageReadWriteTracked pages notify the tracking collaborator before any access
	PageReadWriteTracked
)

var pageStateNames = map[PageState]string{
	PageUnmapped:         "PageUnmapped",
	PageMapped:           "PageMapped",
	PageWriteTracked:     "PageWriteTracked",
	PageReadWriteTracked: "PageReadWriteTracked",
}

func (s PageState) String() string {
	if name, ok := pageStateNames[s]; ok {
		return name
	}
	return "PageState(invalid)"
}

// replicate copies a 2-bit state into all 32 entries of a bitmap word
func (s PageState) replicate() uint64 {
	return uint64(s) * blockMappedMask
}
