package kfmt

import (
	"io"
	"unsafe"
)

// maxBufSize defines the buffer size for formatting numbers. It fits a 64-bit
// value in base 8 plus a sign.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	numFmtBuf [maxBufSize + 1]byte

	// singleByte is used as a shared buffer for passing single characters
	// to doWrite.
	singleByte = []byte(" ")

	// earlyPrintBuffer is a ring buffer that stores Printf output until a
	// console becomes available.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// activeSink forwards writes to the sink that Printf currently uses.
type activeSink struct{}

func (activeSink) Write(p []byte) (int, error) {
	doRealWrite(outputSink, noEscape(unsafe.Pointer(&p)))
	return len(p), nil
}

// ActiveSink returns an io.Writer that always writes to the current Printf
// target, including the early ring buffer. It can be captured before a
// console is attached.
func ActiveSink() io.Writer {
	return activeSink{}
}

// Printf provides a minimal Printf implementation that can be safely used
// before any allocator exists. It supports the following subset of the fmt
// formatting verbs:
//
// Strings:
//		%s the uninterpreted bytes of the string or byte slice
//
// Integers:
//              %o base 8
//              %d base 10
//              %x base 16, with lower-case letters for a-f
//
// Booleans:
//              %t "true" or "false"
//
// Width is specified by an optional decimal number immediately preceding the
// verb. Strings and base-10 integers are left-padded with spaces while base-8
// and base-16 integers are left-padded with zeroes.
//
// Pointers (%p) are not supported: supporting them requires the reflect
// package which makes the compiler emit allocating interface conversions.
//
// Output goes to the sink registered with SetOutputSink or to a ring buffer
// if none is registered yet.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex, padLen int
		fmtLen           = len(format)
	)

	for i := 0; i < fmtLen; i++ {
		if format[i] != '%' {
			writeByte(w, format[i])
			continue
		}

		padLen = 0
		for i++; i < fmtLen && format[i] >= '0' && format[i] <= '9'; i++ {
			padLen = padLen*10 + int(format[i]-'0')
		}

		if i == fmtLen {
			doWrite(w, errNoVerb)
			break
		}

		switch verb := format[i]; verb {
		case '%':
			writeByte(w, '%')
		case 'd', 'x', 'o', 's', 't':
			if argIndex >= len(args) {
				doWrite(w, errMissingArg)
				continue
			}

			switch verb {
			case 'o':
				fmtInt(w, args[argIndex], 8, padLen)
			case 'd':
				fmtInt(w, args[argIndex], 10, padLen)
			case 'x':
				fmtInt(w, args[argIndex], 16, padLen)
			case 's':
				fmtString(w, args[argIndex], padLen)
			case 't':
				fmtBool(w, args[argIndex])
			}
			argIndex++
		default:
			doWrite(w, errNoVerb)
		}
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

// fmtBool prints a formatted version of boolean value v.
func fmtBool(w io.Writer, v interface{}) {
	bVal, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case bVal:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

// fmtString prints a formatted version of string or []byte value v, applying
// the padding specified by padLen.
func fmtString(w io.Writer, v interface{}, padLen int) {
	switch castedVal := v.(type) {
	case string:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		// converting the string to a byte slice triggers a memory allocation
		// so we need to do this one byte at a time.
		for i := 0; i < len(castedVal); i++ {
			writeByte(w, castedVal[i])
		}
	case []byte:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		doWrite(w, castedVal)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtRepeat writes count bytes with value ch.
func fmtRepeat(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

// intValue unpacks any built-in integer type into its magnitude and sign.
func intValue(v interface{}) (uval uint64, neg, ok bool) {
	var sval int64

	switch t := v.(type) {
	case uint8:
		return uint64(t), false, true
	case uint16:
		return uint64(t), false, true
	case uint32:
		return uint64(t), false, true
	case uint64:
		return t, false, true
	case uint:
		return uint64(t), false, true
	case uintptr:
		return uint64(t), false, true
	case int8:
		sval = int64(t)
	case int16:
		sval = int64(t)
	case int32:
		sval = int64(t)
	case int64:
		sval = t
	case int:
		sval = int64(t)
	default:
		return 0, false, false
	}

	if sval < 0 {
		return uint64(-sval), true, true
	}
	return uint64(sval), false, true
}

// fmtInt prints out a formatted version of v in the requested base, applying
// the padding specified by padLen.
func fmtInt(w io.Writer, v interface{}, base, padLen int) {
	uval, neg, ok := intValue(v)
	if !ok {
		doWrite(w, errWrongArgType)
		return
	}

	if padLen >= maxBufSize {
		padLen = maxBufSize - 1
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}

	// Digits are emitted right-to-left into the tail of numFmtBuf
	end := len(numFmtBuf)
	start := end
	for {
		digit := byte(uval % uint64(base))
		if digit < 10 {
			digit += '0'
		} else {
			digit += 'a' - 10
		}
		start--
		numFmtBuf[start] = digit

		if uval /= uint64(base); uval == 0 {
			break
		}
	}

	// Space padding goes before the sign; zero padding goes between the sign
	// and the digits.
	if neg && padCh == ' ' {
		start--
		numFmtBuf[start] = '-'
	}

	for end-start < padLen {
		start--
		numFmtBuf[start] = padCh
	}

	if neg && padCh == '0' {
		start--
		numFmtBuf[start] = '-'
	}

	doWrite(w, numFmtBuf[start:end])
}

// writeByte emits a single byte without allocating.
func writeByte(w io.Writer, b byte) {
	singleByte[0] = b
	doWrite(w, singleByte)
}

// doWrite is a proxy that uses the runtime.noescape hack to hide p from the
// compiler's escape analysis. Without this hack, the compiler cannot properly
// detect that p does not escape (due to the call to the yet unknown outputSink
// io.Writer) and plays it safe by flagging it as escaping. This causes all
// calls to Printf to call runtime.convT2E which triggers a memory allocation
// and faults if Printf runs before an allocator is available.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
