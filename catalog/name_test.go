package catalog

import "testing"

func TestNameEqual(t *testing.T) {
	a := ParseName("torrent", "root")
	b := ParseName("torrent", "root")
	c := ParseName("torrent", "other")

	if !a.Equal(b) {
		t.Errorf("expected %s to equal %s", a, b)
	}
	if a.Equal(c) {
		t.Errorf("expected %s to not equal %s", a, c)
	}
	if a.Equal(a.Prefix(1)) {
		t.Errorf("names of different length must not be equal")
	}
}

func TestNameHasPrefix(t *testing.T) {
	n := ParseName("torrent", "root", "file.txt")
	p := ParseName("torrent", "root")
	if !n.HasPrefix(p) {
		t.Errorf("expected %s to have prefix %s", n, p)
	}
	if n.HasPrefix(ParseName("torrent", "root", "file.txt", "extra")) {
		t.Errorf("a longer name cannot be a prefix")
	}
}

func TestSegmentRoundTrip(t *testing.T) {
	base := ParseName("torrent", "root")
	seg := base.WithSegmentIndex(3)

	idx, ok := seg.SegmentIndex()
	if !ok || idx != 3 {
		t.Fatalf("SegmentIndex() = (%d, %v), want (3, true)", idx, ok)
	}

	if _, ok := base.SegmentIndex(); ok {
		t.Fatalf("base name without a segment component must report false")
	}

	if !seg.ChainPrefix().Equal(base) {
		t.Fatalf("ChainPrefix() = %s, want %s", seg.ChainPrefix(), base)
	}

	next := seg.WithSegmentIndex(4)
	idx, ok = next.SegmentIndex()
	if !ok || idx != 4 {
		t.Fatalf("re-applying WithSegmentIndex should replace, not append: got (%d, %v)", idx, ok)
	}
	if len(next) != len(seg) {
		t.Fatalf("WithSegmentIndex must not grow the name when replacing: len=%d want %d", len(next), len(seg))
	}
}

func TestImplicitDigest(t *testing.T) {
	wire := []byte("some wire bytes")
	digestComp := DigestComponent(wire)
	n := ParseName("a", "b").Append(digestComp)

	got, ok := n.ImplicitDigest()
	if !ok {
		t.Fatalf("expected a digest component")
	}
	if string(got) != string(digestComp.Value) {
		t.Fatalf("ImplicitDigest() = %x, want %x", got, digestComp.Value)
	}

	other := DigestComponent([]byte("different bytes"))
	if digestComp.Equal(other) {
		t.Fatalf("distinct wire bytes must not produce equal digests")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	n := ParseName("a", "b", "c")
	clone := n.Clone()
	clone[0] = GenericComponent("mutated")
	if n[0].String() == "mutated" {
		t.Fatalf("Clone must be a deep copy")
	}
}

func TestAppendDoesNotMutateReceiver(t *testing.T) {
	n := ParseName("a", "b")
	_ = n.Append(GenericComponent("c"))
	if len(n) != 2 {
		t.Fatalf("Append must not mutate its receiver, got len=%d", len(n))
	}
}
