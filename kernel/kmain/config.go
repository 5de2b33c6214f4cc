package kmain

import (
	"regulome/kernel/kfmt"
	"regulome/kernel/mm"
	"regulome/kernel/mm/pmm"
	"regulome/multiboot"
)

// Boot command line keys understood by the kernel.
const (
	keyRecursiveIndex = "mm.recursive_index"
	keyBlockCount     = "mm.block_count"
	keyTotalMemory    = "mm.total_memory"
)

const (
	defaultRecursiveIndex = 510
	defaultBlockCount     = pmm.MaxBlocks
)

// bootConfig holds the memory management settings selected via the boot
// command line.
type bootConfig struct {
	// recursiveIndex is the top-level page table entry used for the
	// recursive mapping.
	recursiveIndex uint16

	// blockCount is the number of blocks tracked by the boot allocator.
	blockCount uint32

	// totalMemory is the amount of physical memory managed by the boot
	// allocator. If zero, the end of the memory map is used.
	totalMemory mm.Size
}

// parseBootConfig extracts the memory management settings from the kernel
// command line. Unknown keys are ignored; malformed values are logged and the
// defaults are kept.
func parseBootConfig() bootConfig {
	cfg := bootConfig{
		recursiveIndex: defaultRecursiveIndex,
		blockCount:     defaultBlockCount,
	}

	multiboot.VisitBootCmdLine(func(key, value string) bool {
		var (
			v  uint64
			ok bool
		)

		switch key {
		case keyRecursiveIndex:
			if v, ok = parseUint(value, 0xffff); ok {
				cfg.recursiveIndex = uint16(v)
			}
		case keyBlockCount:
			if v, ok = parseUint(value, 0xffffffff); ok {
				cfg.blockCount = uint32(v)
			}
		case keyTotalMemory:
			if v, ok = parseUint(value, ^uint64(0)); ok {
				cfg.totalMemory = mm.Size(v)
			}
		default:
			return true
		}

		if !ok {
			kfmt.Printf("[kmain] ignoring invalid value for %s: %s\n", key, value)
		}
		return true
	})

	return cfg
}

// parseUint parses a decimal or 0x-prefixed hex number that must not exceed
// max.
func parseUint(s string, max uint64) (uint64, bool) {
	base := uint64(10)
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		base, s = 16, s[2:]
	}

	if len(s) == 0 {
		return 0, false
	}

	var v uint64
	for i := 0; i < len(s); i++ {
		var digit uint64
		switch ch := s[i]; {
		case ch >= '0' && ch <= '9':
			digit = uint64(ch - '0')
		case ch >= 'a' && ch <= 'f':
			digit = uint64(ch-'a') + 10
		case ch >= 'A' && ch <= 'F':
			digit = uint64(ch-'A') + 10
		default:
			return 0, false
		}

		if digit >= base || v > (max-digit)/base {
			return 0, false
		}
		v = v*base + digit
	}

	return v, true
}
