package peer

import (
	"errors"
	"testing"

	parser "github.com/agaabrieel/swarmclient/pkg/parser"
)

func TestParseCompact(t *testing.T) {
	b := []byte{
		172, 16, 1, 1, 0x00, 0x7b,
		192, 168, 1, 1, 0x1a, 0xe1,
	}
	addrs, err := ParseCompact(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 2 {
		t.Fatalf("expect 2 addrs, but got %d", len(addrs))
	}
	if addrs[0].Host != "172.16.1.1" || addrs[0].Port != 123 {
		t.Errorf("unexpected first addr %v", addrs[0])
	}
	if addrs[1].String() != "192.168.1.1:6881" {
		t.Errorf("unexpected second addr %v", addrs[1])
	}
	if addrs[1].Network() != "tcp" {
		t.Errorf("unexpected network %s", addrs[1].Network())
	}
	if !addrs[0].IP().Equal([]byte{172, 16, 1, 1}) {
		t.Errorf("unexpected ip %v", addrs[0].IP())
	}

	if _, err := ParseCompact(b[:7]); !errors.Is(err, parser.ErrMalformedInput) {
		t.Errorf("expect malformed input, but got %v", err)
	}

	empty, err := ParseCompact(nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("expect no addrs, but got %v, %v", empty, err)
	}
}

func TestParseCompactKeepsDuplicates(t *testing.T) {
	record := []byte{10, 0, 0, 1, 0, 80}
	addrs, err := ParseCompact(append(append([]byte{}, record...), record...))
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 2 || addrs[0].String() != addrs[1].String() {
		t.Errorf("expect two identical addrs, but got %v", addrs)
	}
}

func TestParseList(t *testing.T) {
	v, err := parser.Decode([]byte("ld2:ip9:127.0.0.17:peer id3:abc4:porti6881eed2:ip11:example.org4:porti80eee"))
	if err != nil {
		t.Fatal(err)
	}
	addrs, err := Decode(v)
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 2 {
		t.Fatalf("expect 2 addrs, but got %d", len(addrs))
	}
	if addrs[0].String() != "127.0.0.1:6881" || string(addrs[0].ID) != "abc" {
		t.Errorf("unexpected first addr %v (%q)", addrs[0], addrs[0].ID)
	}
	// host names are left for the network layer
	if addrs[1].Host != "example.org" || addrs[1].Port != 80 {
		t.Errorf("unexpected second addr %v", addrs[1])
	}
}

func TestDecodeRejects(t *testing.T) {
	inputs := []string{
		"i5e",
		"d1:ai1ee",
		"li1ee",
		"ld2:ipi1e4:porti1eee",
		"ld2:ip1:x4:porti70000eee",
		"ld2:ip1:xee",
	}
	for _, input := range inputs {
		v, err := parser.Decode([]byte(input))
		if err != nil {
			t.Fatalf("%q: %v", input, err)
		}
		if _, err := Decode(v); !errors.Is(err, parser.ErrMalformedInput) {
			t.Errorf("%q: expect malformed input, but got %v", input, err)
		}
	}
}
