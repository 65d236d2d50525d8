package payload

import (
	"bytes"
	"encoding/xml"
	"strings"
	"testing"

	"github.com/xaya/charon/internal/xmlutil"
)

func wrap(toks []xml.Token) *xmlutil.Node {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	start := xml.StartElement{Name: xml.Name{Local: "params"}}
	_ = enc.EncodeToken(start)
	for _, t := range toks {
		_ = enc.EncodeToken(t)
	}
	_ = enc.EncodeToken(start.End())
	_ = enc.Flush()

	dec := xml.NewDecoder(&buf)
	tok, err := dec.Token()
	if err != nil {
		panic(err)
	}
	se, ok := tok.(xml.StartElement)
	if !ok {
		panic("expected start element")
	}
	n, err := xmlutil.ReadNode(dec, se)
	if err != nil {
		panic(err)
	}
	return n
}

func roundTrip(t *testing.T, data []byte) {
	t.Helper()
	node := wrap(EncodeBytes(data))
	got, err := DecodeBytes(node)
	if err != nil {
		t.Fatalf("DecodeBytes: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %q want %q", got, data)
	}
}

func TestRoundTripStrings(t *testing.T) {
	cases := [][]byte{
		[]byte(""),
		[]byte("hello\nworld"),
		[]byte("ascii with\nnewlines and spaces"),
		{0x00, 0x01, 0xff, 0x80, 'a'},
		bytes.Repeat([]byte("x"), 200), // forces the zlib path to be attempted
		bytes.Repeat([]byte("abcdefgh"), 4096),
	}
	for i, c := range cases {
		t.Run(string(rune('a'+i)), func(t *testing.T) {
			roundTrip(t, c)
		})
	}
}

func TestRoundTripJSON(t *testing.T) {
	cases := []string{
		`null`,
		`42`,
		`"foo"`,
		`[1,2,3]`,
		`{"a":1,"b":[true,false,null]}`,
	}
	for _, c := range cases {
		toks, err := EncodeJSON(rawJSON(c))
		if err != nil {
			t.Fatalf("EncodeJSON(%s): %v", c, err)
		}
		node := wrap(toks)
		got, err := DecodeJSON(node)
		if err != nil {
			t.Fatalf("DecodeJSON(%s): %v", c, err)
		}
		if strings.TrimSpace(string(got)) != c {
			t.Fatalf("got %s want %s", got, c)
		}
	}
}

type rawJSON string

func (r rawJSON) MarshalJSON() ([]byte, error) {
	return []byte(r), nil
}

func TestBase64Rejections(t *testing.T) {
	cases := []string{
		"AAA",     // no padding, not a multiple of 4
		"AA=A",    // padding not trailing
		"AAAA===", // excess padding
		"AA!!",    // non-alphabet byte
	}
	for _, c := range cases {
		node := wrap([]xml.Token{
			xml.StartElement{Name: xml.Name{Local: "base64"}},
			xml.CharData(c),
			xml.EndElement{Name: xml.Name{Local: "base64"}},
		})
		if _, err := DecodeBytes(node); err == nil {
			t.Errorf("expected decode of %q to fail", c)
		}
	}
}

func TestDuplicateKeyRejected(t *testing.T) {
	err := UnmarshalStrict([]byte(`{"a":1,"a":2}`), new(interface{}))
	if err == nil {
		t.Fatal("expected duplicate key error")
	}
}

func TestTrailingContentRejected(t *testing.T) {
	err := UnmarshalStrict([]byte(`{"a":1} garbage`), new(interface{}))
	if err == nil {
		t.Fatal("expected trailing content error")
	}
}

func TestMaxDecodedBytesExceeded(t *testing.T) {
	big := bytes.Repeat([]byte("a"), MaxDecodedBytes+1)
	node := wrap([]xml.Token{
		xml.StartElement{Name: xml.Name{Local: "raw"}},
		xml.CharData(big),
		xml.EndElement{Name: xml.Name{Local: "raw"}},
	})
	if _, err := DecodeBytes(node); err == nil {
		t.Fatal("expected cap to be enforced")
	}
}

func TestUnrecognizedElementRejected(t *testing.T) {
	node := wrap([]xml.Token{
		xml.StartElement{Name: xml.Name{Local: "weird"}},
		xml.EndElement{Name: xml.Name{Local: "weird"}},
	})
	if _, err := DecodeBytes(node); err == nil {
		t.Fatal("expected unrecognized element to fail")
	}
}
