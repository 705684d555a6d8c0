package resp

import (
	"bufio"
	"bytes"
	"io"
	"math"
	"strconv"

	"github.com/xenking/valkey/internal/pool"
)

// cmdBufPool stages one WriteCommand call's full encoding (array header +
// every bulk-string argument) before a single Write to the underlying
// bufio.Writer, instead of one small Write/WriteByte per tag, length, and
// body (spec §4.9, component C10's "amortize allocation in hot paths
// (argument encoding)"). Shared across every Writer so the pool sees the
// traffic of all connections, not just one.
var cmdBufPool = pool.NewBufferPool(256)

// Writer incrementally serializes RESP2/RESP3 frames. It is not safe for
// concurrent use; callers hold the connection's write mutex across
// WriteCommand+Flush (spec §4.3/§5).
type Writer struct {
	bw  *bufio.Writer
	tmp [32]byte // scratch for integer/length formatting, avoids allocation
}

// NewWriter wraps w with RESP framing. size sets the underlying buffer
// size (the write pipe's effective high watermark).
func NewWriter(w io.Writer, size int) *Writer {
	return &Writer{bw: bufio.NewWriterSize(w, size)}
}

// Flush drains buffered bytes to the underlying writer (socket).
func (w *Writer) Flush() error {
	return w.bw.Flush()
}

func (w *Writer) writeCRLF() error {
	_, err := w.bw.WriteString("\r\n")
	return err
}

func (w *Writer) writeLine(tag byte, body []byte) error {
	if err := w.bw.WriteByte(tag); err != nil {
		return err
	}
	if _, err := w.bw.Write(body); err != nil {
		return err
	}
	return w.writeCRLF()
}

func (w *Writer) writeInt(tag byte, v int64) error {
	b := strconv.AppendInt(w.tmp[:0], v, 10)
	return w.writeLine(tag, b)
}

// WriteCommand serializes a command the way Redis/Valkey expects one on
// the wire: an Array of length 1+len(args), every element a BulkString
// (spec §4.1). The whole command is staged into a pooled buffer first,
// then handed to the underlying writer in one Write call.
func (w *Writer) WriteCommand(name string, args ...[]byte) error {
	buf := cmdBufPool.Get()
	defer cmdBufPool.Put(buf, false)

	w.appendArrayHeader(buf, 1+len(args))
	w.appendBulk(buf, []byte(name))
	for _, a := range args {
		w.appendBulk(buf, a)
	}

	_, err := w.bw.Write(buf.Bytes())
	return err
}

func (w *Writer) appendArrayHeader(buf *bytes.Buffer, n int) {
	buf.WriteByte(byte(TypeArray))
	buf.Write(strconv.AppendInt(w.tmp[:0], int64(n), 10))
	buf.WriteString("\r\n")
}

func (w *Writer) appendBulk(buf *bytes.Buffer, b []byte) {
	buf.WriteByte(byte(TypeBulkString))
	buf.Write(strconv.AppendInt(w.tmp[:0], int64(len(b)), 10))
	buf.WriteString("\r\n")
	buf.Write(b)
	buf.WriteString("\r\n")
}

// WriteFrame serializes an arbitrary Frame. Null always re-encodes as the
// RESP3 "_\r\n" token regardless of whether it was originally decoded
// from a RESP2 null-bulk or null-array (spec invariant 5).
func (w *Writer) WriteFrame(f Frame) error {
	switch f.Type {
	case TypeSimpleString, TypeSimpleError, TypeBigNumber:
		return w.writeLine(byte(f.Type), f.Str)
	case TypeInteger:
		return w.writeInt(byte(TypeInteger), f.Int)
	case TypeNull:
		_, err := w.bw.WriteString("_\r\n")
		return err
	case TypeBoolean:
		if f.Bool {
			return w.writeLine(byte(TypeBoolean), []byte{'t'})
		}
		return w.writeLine(byte(TypeBoolean), []byte{'f'})
	case TypeDouble:
		return w.writeDouble(f.Double)
	case TypeBulkString, TypeBulkError:
		if err := w.writeInt(byte(f.Type), int64(len(f.Str))); err != nil {
			return err
		}
		if _, err := w.bw.Write(f.Str); err != nil {
			return err
		}
		return w.writeCRLF()
	case TypeVerbatimString:
		total := int64(4 + len(f.Str))
		if err := w.writeInt(byte(TypeVerbatimString), total); err != nil {
			return err
		}
		if _, err := w.bw.Write(f.Format[:]); err != nil {
			return err
		}
		if err := w.bw.WriteByte(':'); err != nil {
			return err
		}
		if _, err := w.bw.Write(f.Str); err != nil {
			return err
		}
		return w.writeCRLF()
	case TypeArray, TypeSet, TypePush:
		if err := w.writeInt(byte(f.Type), int64(len(f.Elems))); err != nil {
			return err
		}
		for _, e := range f.Elems {
			if err := w.WriteFrame(e); err != nil {
				return err
			}
		}
		return nil
	case TypeMap:
		if err := w.writeInt(byte(TypeMap), int64(len(f.Pairs))); err != nil {
			return err
		}
		for _, p := range f.Pairs {
			if err := w.WriteFrame(p.Key); err != nil {
				return err
			}
			if err := w.WriteFrame(p.Value); err != nil {
				return err
			}
		}
		return nil
	default:
		return violation("resp: cannot serialize frame type %q", byte(f.Type))
	}
}

func (w *Writer) writeDouble(v float64) error {
	var s string
	switch {
	case math.IsInf(v, 1):
		s = "inf"
	case math.IsInf(v, -1):
		s = "-inf"
	default:
		s = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return w.writeLine(byte(TypeDouble), []byte(s))
}
