package cache

import (
	"strings"
	"testing"
)

func TestNormalizeCanonicalizes(t *testing.T) {
	variants := []string{
		"I feel hopeless",
		"i feel HOPELESS",
		"  I   feel\thopeless ",
	}
	want := Normalize(variants[0])
	for _, v := range variants[1:] {
		if got := Normalize(v); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", v, got, want)
		}
	}
}

func TestNormalizePreservesPunctuation(t *testing.T) {
	if Normalize("I'm fine.") == Normalize("I'm fine") {
		t.Fatal("punctuation must stay significant")
	}
}

func TestKeyDeterministic(t *testing.T) {
	k := NewKeyer("salt", 1)
	msg := Normalize("I feel hopeless")
	if k.Key(msg) != k.Key(msg) {
		t.Fatal("key derivation not deterministic")
	}
	if k.Key(msg) == k.Key(Normalize("I feel fine")) {
		t.Fatal("distinct messages must yield distinct keys")
	}
}

func TestKeyHidesMessageContent(t *testing.T) {
	k := NewKeyer("salt", 1)
	key := k.Key(Normalize("I feel hopeless"))
	if strings.Contains(key, "hopeless") {
		t.Fatalf("key leaks message content: %s", key)
	}
	if !strings.HasPrefix(key, "scoregate:score:v1:1:") {
		t.Fatalf("unexpected key namespace: %s", key)
	}
}

func TestKeySaltAndEpochSeparateKeyspaces(t *testing.T) {
	msg := Normalize("I feel hopeless")
	a := NewKeyer("salt-a", 1)
	b := NewKeyer("salt-b", 1)
	if a.Key(msg) == b.Key(msg) {
		t.Fatal("different salts must yield different keys")
	}

	e1 := NewKeyer("salt", 1)
	e2 := NewKeyer("salt", 2)
	if e1.Key(msg) == e2.Key(msg) {
		t.Fatal("different epochs must yield different keys")
	}
	if !strings.HasPrefix(e2.Key(msg), e2.Prefix()) {
		t.Fatalf("key %s does not share epoch prefix %s", e2.Key(msg), e2.Prefix())
	}
}
