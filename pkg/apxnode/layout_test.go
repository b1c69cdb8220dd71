package apxnode

import (
	"testing"

	"github.com/sandia-apx/apxd/pkg/apxidl"
)

func parseAndFinalize(t *testing.T, text string) *apxidl.Node {
	t.Helper()
	n, err := apxidl.Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := apxidl.Finalize(n); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return n
}

// TestScenarioS2ViaInstance exercises spec.md §8 scenario S2 end-to-end
// through the layout + instance pair: an unconnected require port reads
// back its declared initial value.
func TestScenarioS2ViaInstance(t *testing.T) {
	text := "APX/1.2\n" +
		`N"DestNode"` + "\n" +
		`R"VehicleSpeed"S:=65535` + "\n" +
		`R"VehicleMode"C(0,7):=7` + "\n" +
		`R"SelectedGear"C(0,15):=15` + "\n"

	n := parseAndFinalize(t, text)
	l, err := BuildLayout(n)
	if err != nil {
		t.Fatalf("BuildLayout: %v", err)
	}

	in := New("DestNode", ModeServer)
	in.SetLayout(l)

	got, err := in.ReadRequire(0, 4)
	if err != nil {
		t.Fatalf("ReadRequire: %v", err)
	}
	want := []byte{0xFF, 0xFF, 0x07, 0x0F}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got 0x%02X, want 0x%02X", i, got[i], want[i])
		}
	}
}

func TestLayoutInvariant1BufferLengths(t *testing.T) {
	text := "APX/1.2\n" +
		`N"Node"` + "\n" +
		`R"A"S` + "\n" +
		`R"B"C` + "\n" +
		`P"C"L` + "\n"

	n := parseAndFinalize(t, text)
	l, err := BuildLayout(n)
	if err != nil {
		t.Fatalf("BuildLayout: %v", err)
	}

	if l.RequireLen != 3 { // 2 (S) + 1 (C)
		t.Fatalf("got require len %d, want 3", l.RequireLen)
	}
	if l.ProvideLen != 4 { // 4 (L)
		t.Fatalf("got provide len %d, want 4", l.ProvideLen)
	}
	if len(l.RequireInit) != l.RequireLen {
		t.Fatalf("require init image len %d != RequireLen %d", len(l.RequireInit), l.RequireLen)
	}
	if len(l.ProvideInit) != l.ProvideLen {
		t.Fatalf("provide init image len %d != ProvideLen %d", len(l.ProvideInit), l.ProvideLen)
	}
}

func TestLayoutOffsetsAreSequential(t *testing.T) {
	text := "APX/1.2\n" +
		`N"Node"` + "\n" +
		`P"A"S` + "\n" +
		`P"B"L` + "\n" +
		`P"C"C` + "\n"

	n := parseAndFinalize(t, text)
	l, err := BuildLayout(n)
	if err != nil {
		t.Fatalf("BuildLayout: %v", err)
	}

	if l.Provide[0].Offset != 0 {
		t.Fatalf("port A offset = %d, want 0", l.Provide[0].Offset)
	}
	if l.Provide[1].Offset != 2 {
		t.Fatalf("port B offset = %d, want 2", l.Provide[1].Offset)
	}
	if l.Provide[2].Offset != 6 {
		t.Fatalf("port C offset = %d, want 6", l.Provide[2].Offset)
	}
}
