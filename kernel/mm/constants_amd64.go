package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). It converts between addresses
	// and page/frame numbers.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes. Frames and pages
	// share the same size.
	PageSize = Size(1 << PageShift)
)
