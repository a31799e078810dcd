// Package cborutil factors out the field-encoding helpers that a run of
// `cbor-gen` would otherwise inline into every MarshalCBOR/UnmarshalCBOR
// pair in this module. The structs in sca/, hierarchical/ and tcid/ are
// hand-authored in the same positional-tuple style cbor-gen produces
// (array headers, then one field at a time, via github.com/whyrusleeping/cbor-gen's
// own Write*/Read* primitives) but share this layer instead of repeating the
// same bool/uint64/bytes/cid boilerplate in every generated file.
package cborutil

import (
	"bufio"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"
)

// MaxBytesLength bounds any single byte-string field this module decodes.
const MaxBytesLength = 64 << 20

// MaxArrayLength is a bound for list fields; the list decoders in this module
// do not check it.
const MaxArrayLength = 1 << 20

func WriteArrayHeader(w io.Writer, n int) error {
	return cbg.WriteMajorTypeHeader(w, cbg.MajArray, uint64(n))
}

func WriteMapHeader(w io.Writer, n int) error {
	return cbg.WriteMajorTypeHeader(w, cbg.MajMap, uint64(n))
}

func ExpectArrayHeader(br *bufio.Reader, scratch []byte, want int) error {
	maj, extra, err := cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return err
	}
	if maj != cbg.MajArray {
		return fmt.Errorf("cbor input should be of type array")
	}
	if int(extra) != want {
		return fmt.Errorf("cbor input had wrong number of fields: got %d, want %d", extra, want)
	}
	return nil
}

func ReadMapHeader(br *bufio.Reader, scratch []byte) (int, error) {
	maj, extra, err := cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return 0, err
	}
	if maj != cbg.MajMap {
		return 0, fmt.Errorf("cbor input should be of type map")
	}
	return int(extra), nil
}

func WriteUint64(w io.Writer, v uint64) error {
	return cbg.WriteMajorTypeHeader(w, cbg.MajUnsignedInt, v)
}

func ReadUint64(br *bufio.Reader, scratch []byte) (uint64, error) {
	maj, extra, err := cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return 0, err
	}
	if maj != cbg.MajUnsignedInt {
		return 0, fmt.Errorf("expected major type unsigned int, got %d", maj)
	}
	return extra, nil
}

func WriteInt64(w io.Writer, v int64) error {
	if v >= 0 {
		return cbg.WriteMajorTypeHeader(w, cbg.MajUnsignedInt, uint64(v))
	}
	return cbg.WriteMajorTypeHeader(w, cbg.MajNegativeInt, uint64(-v)-1)
}

func ReadInt64(br *bufio.Reader, scratch []byte) (int64, error) {
	maj, extra, err := cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return 0, err
	}
	switch maj {
	case cbg.MajUnsignedInt:
		return int64(extra), nil
	case cbg.MajNegativeInt:
		return -int64(extra) - 1, nil
	default:
		return 0, fmt.Errorf("expected major type int, got %d", maj)
	}
}

func WriteBool(w io.Writer, v bool) error {
	return cbg.WriteBool(w, v)
}

func ReadBool(br *bufio.Reader, scratch []byte) (bool, error) {
	maj, extra, err := cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return false, err
	}
	if maj != cbg.MajOther {
		return false, fmt.Errorf("booleans must be major type 7")
	}
	switch extra {
	case 20:
		return false, nil
	case 21:
		return true, nil
	default:
		return false, fmt.Errorf("booleans are either major type 7, value 20 or 21 (got %d)", extra)
	}
}

func WriteString(w io.Writer, s string) error {
	if err := cbg.WriteMajorTypeHeader(w, cbg.MajTextString, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func ReadString(br *bufio.Reader, scratch []byte) (string, error) {
	maj, extra, err := cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return "", err
	}
	if maj != cbg.MajTextString {
		return "", fmt.Errorf("expected major type text string, got %d", maj)
	}
	if extra > MaxBytesLength {
		return "", fmt.Errorf("string field too large: %d", extra)
	}
	buf := make([]byte, extra)
	if _, err := io.ReadFull(br, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func WriteBytes(w io.Writer, b []byte) error {
	if len(b) > MaxBytesLength {
		return xerrors.Errorf("byte field too large to encode: %d", len(b))
	}
	if err := cbg.WriteMajorTypeHeader(w, cbg.MajByteString, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func ReadBytes(br *bufio.Reader, scratch []byte) ([]byte, error) {
	maj, extra, err := cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return nil, err
	}
	if maj != cbg.MajByteString {
		return nil, fmt.Errorf("expected major type byte string, got %d", maj)
	}
	if extra > MaxBytesLength {
		return nil, fmt.Errorf("byte field too large: %d", extra)
	}
	buf := make([]byte, extra)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteCid writes an undefined Cid as CBOR null; ReadCid reads null back as
// cid.Undef, so optional Cid fields (an empty Checkpoint's PrevCheck) round-trip.
func WriteCid(w io.Writer, c cid.Cid) error {
	if !c.Defined() {
		_, err := w.Write(cbg.CborNull)
		return err
	}
	return cbg.WriteCid(w, c)
}

func ReadCid(br *bufio.Reader) (cid.Cid, error) {
	if b, err := br.Peek(1); err == nil && b[0] == cbg.CborNull[0] {
		_, err := br.ReadByte()
		return cid.Undef, err
	}
	return cbg.ReadCid(br)
}

// NewReader wraps r in a *bufio.Reader the way cbor-gen's generated
// UnmarshalCBOR bodies do, unless it already is one.
func NewReader(r io.Reader) *bufio.Reader {
	return cbg.GetPeeker(r)
}
