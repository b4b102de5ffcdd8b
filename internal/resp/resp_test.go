package resp

import (
	"bytes"
	"testing"
)

func decodeAll(t *testing.T, chunks ...[]byte) []Value {
	t.Helper()
	d := NewDecoder()
	var out []Value
	for _, c := range chunks {
		d.Feed(c)
		for {
			v, err := d.Next()
			if err == ErrNeedMore {
				break
			}
			if err != nil {
				t.Fatalf("decode error: %v", err)
			}
			out = append(out, v)
		}
	}
	return out
}

func TestDecodeSimpleString(t *testing.T) {
	vs := decodeAll(t, []byte("+OK\r\n"))
	if len(vs) != 1 || vs[0].Kind != KindSimpleString || vs[0].Str != "OK" {
		t.Fatalf("got %+v", vs)
	}
}

func TestDecodeError(t *testing.T) {
	vs := decodeAll(t, []byte("-MOVED 1234 127.0.0.1:6381\r\n"))
	if len(vs) != 1 || vs[0].Kind != KindError {
		t.Fatalf("got %+v", vs)
	}
	if vs[0].ErrKind != "MOVED" {
		t.Fatalf("ErrKind = %q", vs[0].ErrKind)
	}
	if vs[0].ErrDetail != "1234 127.0.0.1:6381" {
		t.Fatalf("ErrDetail = %q", vs[0].ErrDetail)
	}
}

func TestDecodeInteger(t *testing.T) {
	vs := decodeAll(t, []byte(":1000\r\n"))
	if len(vs) != 1 || vs[0].Kind != KindInt || vs[0].Int != 1000 {
		t.Fatalf("got %+v", vs)
	}
}

func TestDecodeBulkString(t *testing.T) {
	vs := decodeAll(t, []byte("$5\r\nhello\r\n"))
	if len(vs) != 1 || vs[0].Kind != KindBulk || string(vs[0].Bulk) != "hello" {
		t.Fatalf("got %+v", vs)
	}
}

func TestDecodeNullBulk(t *testing.T) {
	vs := decodeAll(t, []byte("$-1\r\n"))
	if len(vs) != 1 || vs[0].Kind != KindNil {
		t.Fatalf("got %+v", vs)
	}
}

func TestDecodeRESP3Null(t *testing.T) {
	vs := decodeAll(t, []byte("_\r\n"))
	if len(vs) != 1 || vs[0].Kind != KindNil {
		t.Fatalf("got %+v", vs)
	}
}

func TestDecodeDouble(t *testing.T) {
	vs := decodeAll(t, []byte(",3.14\r\n,inf\r\n,-inf\r\n"))
	if len(vs) != 3 {
		t.Fatalf("got %d values", len(vs))
	}
	if vs[0].Double != 3.14 {
		t.Fatalf("got %v", vs[0].Double)
	}
}

func TestDecodeBoolean(t *testing.T) {
	vs := decodeAll(t, []byte("#t\r\n#f\r\n"))
	if len(vs) != 2 || !vs[0].Bool || vs[1].Bool {
		t.Fatalf("got %+v", vs)
	}
}

func TestDecodeBigNumber(t *testing.T) {
	vs := decodeAll(t, []byte("(3492890328409238509324850943850943825024385\r\n"))
	if len(vs) != 1 || vs[0].Kind != KindBigNumber {
		t.Fatalf("got %+v", vs)
	}
}

func TestDecodeVerbatimString(t *testing.T) {
	vs := decodeAll(t, []byte("=15\r\ntxt:Some string\r\n"))
	if len(vs) != 1 || vs[0].Kind != KindVerbatimString {
		t.Fatalf("got %+v", vs)
	}
	if vs[0].VerbatimFormat != "txt" || vs[0].VerbatimText != "Some string" {
		t.Fatalf("got %+v", vs[0])
	}
}

func TestDecodeArray(t *testing.T) {
	vs := decodeAll(t, []byte("*2\r\n$3\r\nfoo\r\n$3\r\nbar\r\n"))
	if len(vs) != 1 || vs[0].Kind != KindArray || len(vs[0].Array) != 2 {
		t.Fatalf("got %+v", vs)
	}
	if string(vs[0].Array[0].Bulk) != "foo" || string(vs[0].Array[1].Bulk) != "bar" {
		t.Fatalf("got %+v", vs[0].Array)
	}
}

func TestDecodeNestedArray(t *testing.T) {
	vs := decodeAll(t, []byte("*1\r\n*2\r\n:1\r\n:2\r\n"))
	if len(vs) != 1 || len(vs[0].Array) != 1 || len(vs[0].Array[0].Array) != 2 {
		t.Fatalf("got %+v", vs)
	}
}

func TestDecodeSet(t *testing.T) {
	vs := decodeAll(t, []byte("~2\r\n+a\r\n+b\r\n"))
	if len(vs) != 1 || vs[0].Kind != KindSet || len(vs[0].Array) != 2 {
		t.Fatalf("got %+v", vs)
	}
}

func TestDecodeMap(t *testing.T) {
	vs := decodeAll(t, []byte("%2\r\n+key1\r\n:1\r\n+key2\r\n:2\r\n"))
	if len(vs) != 1 || vs[0].Kind != KindMap || len(vs[0].Pairs) != 2 {
		t.Fatalf("got %+v", vs)
	}
	if vs[0].Pairs[0].Key.Str != "key1" || vs[0].Pairs[0].Value.Int != 1 {
		t.Fatalf("got %+v", vs[0].Pairs[0])
	}
}

func TestDecodePush(t *testing.T) {
	vs := decodeAll(t, []byte(">3\r\n$7\r\nmessage\r\n$7\r\nchannel\r\n$5\r\nhello\r\n"))
	if len(vs) != 1 || vs[0].Kind != KindPush || !vs[0].IsPush() {
		t.Fatalf("got %+v", vs)
	}
	if vs[0].PushKind != "message" {
		t.Fatalf("PushKind = %q", vs[0].PushKind)
	}
}

func TestDecodeSplitAcrossFeeds(t *testing.T) {
	full := []byte("*2\r\n$3\r\nfoo\r\n$3\r\nbar\r\n")
	for split := 1; split < len(full); split++ {
		d := NewDecoder()
		d.Feed(full[:split])
		if _, err := d.Next(); err != ErrNeedMore {
			t.Fatalf("split %d: expected ErrNeedMore, got %v", split, err)
		}
		d.Feed(full[split:])
		v, err := d.Next()
		if err != nil {
			t.Fatalf("split %d: decode error: %v", split, err)
		}
		if v.Kind != KindArray || len(v.Array) != 2 {
			t.Fatalf("split %d: got %+v", split, v)
		}
	}
}

func TestDecodeMultipleValuesInOneFeed(t *testing.T) {
	vs := decodeAll(t, []byte("+OK\r\n:1\r\n+OK\r\n"))
	if len(vs) != 3 {
		t.Fatalf("got %d values, want 3", len(vs))
	}
}

func TestDecodeMalformedIntegerIsProtocolError(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte(":notanumber\r\n"))
	if _, err := d.Next(); err == nil {
		t.Fatal("expected protocol error")
	}
}

func TestEncodeCommand(t *testing.T) {
	got := EncodeStrings(nil, "SET", "foo", "bar")
	want := "*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n"
	if !bytes.Equal(got, []byte(want)) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestEncodeCommandBinarySafe(t *testing.T) {
	got := EncodeCommand(nil, [][]byte{[]byte("SET"), []byte("k"), {0x00, 0xff, '\r', '\n'}})
	d := NewDecoder()
	d.Feed(got)
	v, err := d.Next()
	if err != nil {
		t.Fatalf("unexpected need-more/error on self-decode of encoded array: %v", err)
	}
	_ = v // EncodeCommand produces a RESP array; a real server decodes args, not values, but this exercises binary-safety of length-prefixed framing.
}
