// Package kfmt implements the kernel's logging primitives: a Printf that is
// safe to call before the Go allocator exists, a ring buffer that keeps early
// output until a console is attached, and Panic.
//
// The kernel does not drive a console itself. All output stays in the ring
// buffer until whoever owns the display device installs it with
// SetOutputSink; tests attach a bytes.Buffer the same way.
package kfmt

import (
	"io"
	"unsafe"
)

// numBufSize bounds the number of characters (digits plus padding) that a
// single integer verb can produce.
const numBufSize = 32

var (
	msgMissingArg = []byte("(MISSING)")
	msgBadArgType = []byte("%!(WRONGTYPE)")
	msgNoVerb     = []byte("%!(NOVERB)")
	msgExtraArg   = []byte("%!(EXTRA)")
	msgTrue       = []byte("true")
	msgFalse      = []byte("false")

	// numBuf and byteBuf are shared scratch buffers. Printf is only ever
	// called from a single execution context.
	numBuf  [numBufSize]byte
	byteBuf [1]byte

	// earlyLog captures Printf output until SetOutputSink is called.
	earlyLog ringBuffer

	// sink receives Printf output. A nil sink redirects output to earlyLog.
	sink io.Writer
)

// SetOutputSink redirects all further Printf output to w and replays anything
// that was logged to the early ring buffer so far. Passing nil switches back
// to buffering.
func SetOutputSink(w io.Writer) {
	sink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyLog)
	}
}

// Printf writes a formatted message to the active output sink. It never
// allocates memory which makes it usable during early boot.
//
// Supported verbs:
//
//   %s string or []byte
//   %d integer, base 10
//   %o integer, base 8
//   %x integer, base 16 (lower-case digits)
//   %t bool
//
// An optional decimal width may precede the verb. Strings and base-10
// integers are left-padded with spaces; base-8 and base-16 integers are
// left-padded with zeroes.
//
// Arguments are never inspected for String() or Error() methods; resolving
// interface methods before the runtime is initialized is not safe.
func Printf(format string, args ...interface{}) {
	Fprintf(sink, format, args...)
}

// Fprintf behaves like Printf but writes its output to w. A nil w writes to
// the early ring buffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		width    int
		i        int
	)

	for i < len(format) {
		ch := format[i]
		i++
		if ch != '%' {
			writeByte(w, ch)
			continue
		}

		width = 0
		for i < len(format) && format[i] >= '0' && format[i] <= '9' {
			width = width*10 + int(format[i]-'0')
			i++
		}

		if i == len(format) {
			write(w, msgNoVerb)
			break
		}

		verb := format[i]
		i++

		switch verb {
		case '%':
			writeByte(w, '%')
			continue
		case 's', 'd', 'o', 'x', 't':
		default:
			write(w, msgNoVerb)
			continue
		}

		if argIndex >= len(args) {
			write(w, msgMissingArg)
			continue
		}

		arg := args[argIndex]
		argIndex++

		switch verb {
		case 's':
			fmtString(w, arg, width)
		case 'd':
			fmtInt(w, arg, 10, width)
		case 'o':
			fmtInt(w, arg, 8, width)
		case 'x':
			fmtInt(w, arg, 16, width)
		case 't':
			fmtBool(w, arg)
		}
	}

	for ; argIndex < len(args); argIndex++ {
		write(w, msgExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		write(w, msgBadArgType)
	case b:
		write(w, msgTrue)
	default:
		write(w, msgFalse)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		pad(w, ' ', width-len(s))
		// Slicing the string into a []byte would allocate.
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		pad(w, ' ', width-len(s))
		write(w, s)
	default:
		write(w, msgBadArgType)
	}
}

func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		mag uint64
		neg bool
	)

	switch n := v.(type) {
	case uint8:
		mag = uint64(n)
	case uint16:
		mag = uint64(n)
	case uint32:
		mag = uint64(n)
	case uint64:
		mag = n
	case uint:
		mag = uint64(n)
	case uintptr:
		mag = uint64(n)
	case int8:
		mag, neg = abs(int64(n))
	case int16:
		mag, neg = abs(int64(n))
	case int32:
		mag, neg = abs(int64(n))
	case int64:
		mag, neg = abs(n)
	case int:
		mag, neg = abs(int64(n))
	default:
		write(w, msgBadArgType)
		return
	}

	// Digits are produced right-to-left into the tail of numBuf.
	end := numBufSize
	start := end
	for {
		digit := byte(mag % base)
		if digit < 10 {
			digit += '0'
		} else {
			digit += 'a' - 10
		}
		start--
		numBuf[start] = digit

		mag /= base
		if mag == 0 || start == 0 {
			break
		}
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}

	digits := end - start
	if neg {
		digits++
	}
	if width > numBufSize-1 {
		width = numBufSize - 1
	}

	switch {
	case neg && padCh == ' ':
		// -42 padded to 5 is "  -42"
		pad(w, ' ', width-digits)
		writeByte(w, '-')
	case neg:
		// -0x2a padded to 5 is "-002a"
		writeByte(w, '-')
		pad(w, '0', width-digits)
	default:
		pad(w, padCh, width-digits)
	}

	write(w, numBuf[start:end])
}

func abs(n int64) (uint64, bool) {
	if n < 0 {
		return uint64(-n), true
	}
	return uint64(n), false
}

func pad(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

func writeByte(w io.Writer, ch byte) {
	byteBuf[0] = ch
	write(w, byteBuf[:])
}

// write hides p from escape analysis. The compiler cannot prove that the
// unknown io.Writer does not retain p and would otherwise move every Printf
// argument to the heap.
func write(w io.Writer, p []byte) {
	writeNoEscape(w, noEscape(unsafe.Pointer(&p)))
}

func writeNoEscape(w io.Writer, pPtr unsafe.Pointer) {
	p := *(*[]byte)(pPtr)
	if w == nil {
		_, _ = earlyLog.Write(p)
		return
	}
	_, _ = w.Write(p)
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
