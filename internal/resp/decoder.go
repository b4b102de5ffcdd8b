package resp

import (
	"errors"
	"fmt"
)

// ErrProtocol is returned (wrapped) when the byte stream violates the RESP
// grammar in a way no amount of additional data can repair.
var ErrProtocol = errors.New("resp: protocol error")

// Decoder incrementally parses RESP values out of a byte stream fed via
// Feed. Unlike the teacher's protocol parser, which read a complete frame
// off a bufio.Reader in one blocking call, Decoder never blocks: Next
// reports ErrNeedMore when the buffered bytes don't yet contain a whole
// value, so the connection's read pump can feed it arbitrarily small
// chunks off the wire (spec.md §4.1, "decoder is streaming").
type Decoder struct {
	buf []byte
	off int // consumed prefix of buf
}

// NewDecoder returns an empty Decoder ready to Feed.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends newly read bytes to the decode buffer.
func (d *Decoder) Feed(p []byte) {
	if len(p) == 0 {
		return
	}
	d.buf = append(d.buf, p...)
}

// ErrNeedMore signals that Next could not find a complete value in the
// buffered bytes; the caller should Feed more and retry. It is a sentinel,
// never wrapped, never exposed through the public client errors.
var ErrNeedMore = errors.New("resp: need more data")

// Next attempts to decode a single value from the buffered bytes. On
// success it returns the value and advances past it. On ErrNeedMore the
// internal buffer is left untouched (no partial consumption) so the next
// Feed+Next pair can retry from the same position.
func (d *Decoder) Next() (Value, error) {
	v, n, err := parseValue(d.buf[d.off:])
	if err != nil {
		return Value{}, err
	}
	if n == 0 {
		return Value{}, ErrNeedMore
	}
	d.off += n
	d.compact()
	return v, nil
}

// compact drops the consumed prefix once it grows large relative to the
// remaining buffer, bounding memory for long-lived connections.
func (d *Decoder) compact() {
	if d.off == 0 {
		return
	}
	if d.off < 4096 && d.off*2 < len(d.buf) {
		return
	}
	d.buf = append(d.buf[:0], d.buf[d.off:]...)
	d.off = 0
}

// findCRLF returns the index of the next "\r\n" in buf starting at from,
// or -1 if not present yet.
func findCRLF(buf []byte, from int) int {
	for i := from; i+1 < len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' {
			return i
		}
	}
	return -1
}

// parseLine reads bytes from buf[0:] up to (not including) the next CRLF,
// returning the line content and the total bytes consumed including CRLF.
// consumed==0 means the buffer has no CRLF yet (need more data).
func parseLine(buf []byte) (line []byte, consumed int) {
	i := findCRLF(buf, 0)
	if i < 0 {
		return nil, 0
	}
	return buf[:i], i + 2
}

// parseValue decodes one RESP value from the front of buf. Returns
// (value, bytesConsumed, nil) on success, (zero, 0, nil) if more data is
// needed, or (zero, 0, err) on malformed input.
func parseValue(buf []byte) (Value, int, error) {
	if len(buf) == 0 {
		return Value{}, 0, nil
	}

	switch buf[0] {
	case TypeSimpleString:
		line, n := parseLine(buf[1:])
		if n == 0 {
			return Value{}, 0, nil
		}
		return Value{Kind: KindSimpleString, Str: string(line)}, n + 1, nil

	case TypeError:
		line, n := parseLine(buf[1:])
		if n == 0 {
			return Value{}, 0, nil
		}
		return newErrorValue(string(line)), n + 1, nil

	case TypeInteger:
		line, n := parseLine(buf[1:])
		if n == 0 {
			return Value{}, 0, nil
		}
		i, err := parseInt64(string(line))
		if err != nil {
			return Value{}, 0, fmt.Errorf("%w: invalid integer %q", ErrProtocol, line)
		}
		return Value{Kind: KindInt, Int: i}, n + 1, nil

	case TypeDouble:
		line, n := parseLine(buf[1:])
		if n == 0 {
			return Value{}, 0, nil
		}
		f, err := parseFloat64(string(line))
		if err != nil {
			return Value{}, 0, fmt.Errorf("%w: invalid double %q", ErrProtocol, line)
		}
		return Value{Kind: KindDouble, Double: f}, n + 1, nil

	case TypeBoolean:
		line, n := parseLine(buf[1:])
		if n == 0 {
			return Value{}, 0, nil
		}
		if len(line) != 1 || (line[0] != 't' && line[0] != 'f') {
			return Value{}, 0, fmt.Errorf("%w: invalid boolean %q", ErrProtocol, line)
		}
		return Value{Kind: KindBool, Bool: line[0] == 't'}, n + 1, nil

	case TypeNull:
		_, n := parseLine(buf[1:])
		if n == 0 {
			return Value{}, 0, nil
		}
		return Value{Kind: KindNil}, n + 1, nil

	case TypeBigNumber:
		line, n := parseLine(buf[1:])
		if n == 0 {
			return Value{}, 0, nil
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		return Value{Kind: KindBigNumber, Bulk: cp}, n + 1, nil

	case TypeBulkString, TypeBulkError:
		return parseBulk(buf)

	case TypeVerbatimString:
		return parseVerbatim(buf)

	case TypeArray, TypeSet, TypePush:
		return parseAggregate(buf)

	case TypeMap:
		return parseMap(buf)

	default:
		return Value{}, 0, fmt.Errorf("%w: unknown type byte %q", ErrProtocol, buf[0])
	}
}

// parseBulk handles both '$' bulk strings and '!' bulk errors, which share
// a length-prefixed-binary-payload shape.
func parseBulk(buf []byte) (Value, int, error) {
	header, hn := parseLine(buf[1:])
	if hn == 0 {
		return Value{}, 0, nil
	}
	length, err := parseInt64(string(header))
	if err != nil {
		return Value{}, 0, fmt.Errorf("%w: invalid bulk length %q", ErrProtocol, header)
	}
	total := 1 + hn
	if length < 0 {
		if buf[0] == TypeBulkError {
			return Value{}, 0, fmt.Errorf("%w: bulk error cannot be null", ErrProtocol)
		}
		return Value{Kind: KindNil}, total, nil
	}
	need := total + int(length) + 2
	if len(buf) < need {
		return Value{}, 0, nil
	}
	payload := buf[total : total+int(length)]
	if buf[total+int(length)] != '\r' || buf[total+int(length)+1] != '\n' {
		return Value{}, 0, fmt.Errorf("%w: bulk payload missing trailing CRLF", ErrProtocol)
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)

	if buf[0] == TypeBulkError {
		return newErrorValue(string(cp)), need, nil
	}
	return Value{Kind: KindBulk, Bulk: cp}, need, nil
}

// parseVerbatim handles RESP3 '=' verbatim strings: "<len>\r\n<3-byte
// format>:<text>\r\n".
func parseVerbatim(buf []byte) (Value, int, error) {
	header, hn := parseLine(buf[1:])
	if hn == 0 {
		return Value{}, 0, nil
	}
	length, err := parseInt64(string(header))
	if err != nil || length < 4 {
		return Value{}, 0, fmt.Errorf("%w: invalid verbatim length %q", ErrProtocol, header)
	}
	total := 1 + hn
	need := total + int(length) + 2
	if len(buf) < need {
		return Value{}, 0, nil
	}
	payload := buf[total : total+int(length)]
	if buf[total+int(length)] != '\r' || buf[total+int(length)+1] != '\n' {
		return Value{}, 0, fmt.Errorf("%w: verbatim payload missing trailing CRLF", ErrProtocol)
	}
	if len(payload) < 4 || payload[3] != ':' {
		return Value{}, 0, fmt.Errorf("%w: malformed verbatim string %q", ErrProtocol, payload)
	}
	return Value{
		Kind:           KindVerbatimString,
		VerbatimFormat: string(payload[:3]),
		VerbatimText:   string(payload[4:]),
	}, need, nil
}

// parseAggregate handles '*' arrays, '~' sets, and '>' push frames, which
// share an element-count-prefixed shape.
func parseAggregate(buf []byte) (Value, int, error) {
	typ := buf[0]
	header, hn := parseLine(buf[1:])
	if hn == 0 {
		return Value{}, 0, nil
	}
	count, err := parseInt64(string(header))
	if err != nil {
		return Value{}, 0, fmt.Errorf("%w: invalid aggregate count %q", ErrProtocol, header)
	}
	total := 1 + hn
	if count < 0 {
		return Value{Kind: KindNil}, total, nil
	}

	elems := make([]Value, 0, count)
	for i := int64(0); i < count; i++ {
		v, n, err := parseValue(buf[total:])
		if err != nil {
			return Value{}, 0, err
		}
		if n == 0 {
			return Value{}, 0, nil
		}
		elems = append(elems, v)
		total += n
	}

	switch typ {
	case TypeSet:
		return Value{Kind: KindSet, Array: elems}, total, nil
	case TypePush:
		kind := ""
		if len(elems) > 0 && elems[0].Kind == KindBulk {
			kind = string(elems[0].Bulk)
		} else if len(elems) > 0 && elems[0].Kind == KindSimpleString {
			kind = elems[0].Str
		}
		return Value{Kind: KindPush, PushKind: kind, Array: elems}, total, nil
	default:
		return Value{Kind: KindArray, Array: elems}, total, nil
	}
}

// parseMap handles RESP3 '%' maps: a count of key/value pairs.
func parseMap(buf []byte) (Value, int, error) {
	header, hn := parseLine(buf[1:])
	if hn == 0 {
		return Value{}, 0, nil
	}
	count, err := parseInt64(string(header))
	if err != nil {
		return Value{}, 0, fmt.Errorf("%w: invalid map count %q", ErrProtocol, header)
	}
	total := 1 + hn
	if count < 0 {
		return Value{Kind: KindNil}, total, nil
	}

	pairs := make([]KV, 0, count)
	for i := int64(0); i < count; i++ {
		k, n, err := parseValue(buf[total:])
		if err != nil {
			return Value{}, 0, err
		}
		if n == 0 {
			return Value{}, 0, nil
		}
		total += n

		v, n, err := parseValue(buf[total:])
		if err != nil {
			return Value{}, 0, err
		}
		if n == 0 {
			return Value{}, 0, nil
		}
		total += n

		pairs = append(pairs, KV{Key: k, Value: v})
	}
	return Value{Kind: KindMap, Pairs: pairs}, total, nil
}
