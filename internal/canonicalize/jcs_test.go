package canonicalize

import (
	"encoding/json"
	"testing"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}
	expected := `{"a":1,"b":2,"c":3}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("expected %s, got %s", expected, string(b))
	}
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}
	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("expected %s, got %s", expected, string(b))
	}
}

func TestJCS_UnicodeNormalization(t *testing.T) {
	// "é" as a single codepoint (NFC) vs "e" + combining acute (NFD) must
	// canonicalize to the same bytes, so the same signed context hashes
	// identically regardless of which device produced the text.
	nfc := map[string]interface{}{"name": "café"}
	nfd := map[string]interface{}{"name": "café"}

	bNFC, err := JCS(nfc)
	if err != nil {
		t.Fatalf("JCS(nfc) failed: %v", err)
	}
	bNFD, err := JCS(nfd)
	if err != nil {
		t.Fatalf("JCS(nfd) failed: %v", err)
	}
	if string(bNFC) != string(bNFD) {
		t.Errorf("NFC and NFD forms canonicalized differently: %s vs %s", bNFC, bNFD)
	}
}

func TestCanonicalHash_Deterministic(t *testing.T) {
	v := map[string]interface{}{"type": "greet", "seq": json.Number("1")}
	h1, err := CanonicalHash(v)
	if err != nil {
		t.Fatalf("CanonicalHash failed: %v", err)
	}
	h2, err := CanonicalHash(v)
	if err != nil {
		t.Fatalf("CanonicalHash failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("CanonicalHash not deterministic: %s != %s", h1, h2)
	}
}
