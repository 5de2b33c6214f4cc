package kmain

import (
	"bytes"
	"regulome/kernel/kfmt"
	"regulome/kernel/mm"
	"regulome/kernel/mm/mmtest"
	"regulome/multiboot"
	"runtime"
	"testing"
	"unsafe"
)

func TestParseUint(t *testing.T) {
	specs := []struct {
		input string
		max   uint64
		exp   uint64
		expOK bool
	}{
		{"0", 0xffff, 0, true},
		{"510", 0xffff, 510, true},
		{"65535", 0xffff, 65535, true},
		{"65536", 0xffff, 0, false},
		{"0x1fe", 0xffff, 510, true},
		{"0XFFFF", 0xffff, 0xffff, true},
		{"0x10000", 0xffff, 0, false},
		{"0x7C8D00000", ^uint64(0), 0x7c8d00000, true},
		{"18446744073709551615", ^uint64(0), ^uint64(0), true},
		{"18446744073709551616", ^uint64(0), 0, false},
		{"0xffffffffffffffff", ^uint64(0), ^uint64(0), true},
		{"0x1ffffffffffffffff", ^uint64(0), 0, false},
		{"", 0xffff, 0, false},
		{"0x", 0xffff, 0, false},
		{"12a", 0xffff, 0, false},
		{"-1", 0xffff, 0, false},
		{"0xg", 0xffff, 0, false},
	}

	for specIndex, spec := range specs {
		got, ok := parseUint(spec.input, spec.max)
		if ok != spec.expOK || got != spec.exp {
			t.Errorf("[spec %d] expected parseUint(%q) to return (%d, %t); got (%d, %t)", specIndex, spec.input, spec.exp, spec.expOK, got, ok)
		}
	}
}

func TestParseBootConfig(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	specs := []struct {
		cmdLine   string
		exp       bootConfig
		expOutput string
	}{
		{
			"",
			bootConfig{recursiveIndex: 510, blockCount: 4096},
			"",
		},
		{
			"quiet mm.recursive_index=300 mm.block_count=0x400 mm.total_memory=1073741824",
			bootConfig{recursiveIndex: 300, blockCount: 1024, totalMemory: mm.Gb},
			"",
		},
		{
			"mm.recursive_index=70000 mm.block_count=lots mm.total_memory=",
			bootConfig{recursiveIndex: 510, blockCount: 4096},
			"[kmain] ignoring invalid value for mm.recursive_index: 70000\n" +
				"[kmain] ignoring invalid value for mm.block_count: lots\n" +
				"[kmain] ignoring invalid value for mm.total_memory: \n",
		},
	}

	for specIndex, spec := range specs {
		var buf bytes.Buffer
		kfmt.SetOutputSink(&buf)

		data := mmtest.MultibootInfo(spec.cmdLine, nil)
		multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&data[0])))

		if got := parseBootConfig(); got != spec.exp {
			t.Errorf("[spec %d] expected config %+v; got %+v", specIndex, spec.exp, got)
		}

		if got := buf.String(); got != spec.expOutput {
			t.Errorf("[spec %d] expected output:\n%q\ngot:\n%q", specIndex, spec.expOutput, got)
		}
		runtime.KeepAlive(data)
	}
}

func TestParseBootConfigLastValueWins(t *testing.T) {
	data := mmtest.MultibootInfo("mm.block_count=16 mm.block_count=32", nil)
	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&data[0])))

	if got := parseBootConfig().blockCount; got != 32 {
		t.Fatalf("expected block count 32; got %d", got)
	}
	runtime.KeepAlive(data)
}
