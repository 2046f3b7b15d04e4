package cache

import "testing"

func TestKeyIsStableSHA1(t *testing.T) {
	got := Key("http://example.test/anything")
	if len(got) != 40 {
		t.Fatalf("expected 40 hex chars, got %d (%s)", len(got), got)
	}
	if got != Key("http://example.test/anything") {
		t.Fatalf("key must be deterministic")
	}
}

func TestKeyDoesNotNormalize(t *testing.T) {
	cases := [][2]string{
		{"http://example.test/a", "http://example.test/a/"},
		{"http://example.test/?a=1&b=2", "http://example.test/?b=2&a=1"},
		{"http://example.test/A", "http://example.test/a"},
	}
	for _, tc := range cases {
		if Key(tc[0]) == Key(tc[1]) {
			t.Fatalf("%q and %q must map to distinct keys", tc[0], tc[1])
		}
	}
}

func TestKeyKnownVector(t *testing.T) {
	// sha1("abc")
	if got := Key("abc"); got != "a9993e364706816aba3e25717850c26c9cd0d89d" {
		t.Fatalf("unexpected digest %s", got)
	}
}
