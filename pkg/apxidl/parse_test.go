package apxidl

import "testing"

func TestParseSimpleNode(t *testing.T) {
	text := "APX/1.2\n" +
		`N"DestNode"` + "\n" +
		`R"VehicleSpeed"S:=65535` + "\n" +
		`R"VehicleMode"C(0,7):=7` + "\n" +
		`R"SelectedGear"C(0,15):=15` + "\n"

	n, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if n.Name != "DestNode" {
		t.Fatalf("got name %q, want DestNode", n.Name)
	}
	if len(n.RequirePorts) != 3 {
		t.Fatalf("got %d require ports, want 3", len(n.RequirePorts))
	}
	if n.RequirePorts[1].DSG.RangeMin != 0 || n.RequirePorts[1].DSG.RangeMax != 7 {
		t.Fatalf("got range %+v, want (0,7)", n.RequirePorts[1].DSG)
	}
	if !n.RequirePorts[0].Attributes.HasInitial || n.RequirePorts[0].Attributes.Initial.Int != 65535 {
		t.Fatalf("got initial value %+v, want 65535", n.RequirePorts[0].Attributes.Initial)
	}
}

func TestFinalizeDerivedSignature(t *testing.T) {
	text := "APX/1.2\n" +
		`N"Src"` + "\n" +
		`P"VehicleSpeed"S:=65535` + "\n"

	n, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := Finalize(n); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if n.ProvidePorts[0].DerivedSignature != "S" {
		t.Fatalf("got signature %q, want %q", n.ProvidePorts[0].DerivedSignature, "S")
	}
}

func TestFinalizeTyperefInlining(t *testing.T) {
	text := "APX/1.2\n" +
		`N"Node"` + "\n" +
		`T"Gear"C(0,15)` + "\n" +
		`R"SelectedGear"T["Gear"]:=15` + "\n"

	n, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := Finalize(n); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got, want := n.RequirePorts[0].DerivedSignature, "C(0,15)"; got != want {
		t.Fatalf("got derived signature %q, want %q", got, want)
	}
}

func TestFinalizeUnresolvedTyperefFails(t *testing.T) {
	text := "APX/1.2\n" +
		`N"Node"` + "\n" +
		`R"Foo"T["Missing"]` + "\n"

	n, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := Finalize(n); err == nil {
		t.Fatalf("expected error for unresolved typeref")
	}
}

func TestParseRecordDuplicateMemberRejected(t *testing.T) {
	text := "APX/1.2\n" +
		`N"Node"` + "\n" +
		`P"Pos"{"Lat"S"Lat"S}` + "\n"

	_, err := Parse(text)
	if err == nil {
		t.Fatalf("expected error for duplicate record member name")
	}
}

func TestParseRangeMinGreaterThanMaxRejected(t *testing.T) {
	text := "APX/1.2\n" +
		`N"Node"` + "\n" +
		`R"Foo"C(7,0)` + "\n"

	_, err := Parse(text)
	if err == nil {
		t.Fatalf("expected error for min > max range")
	}
}

// TestScenarioS2InitialValueImage exercises spec.md §8 scenario S2: after
// finalisation, an unconnected require port reads back its packed initial
// value image.
func TestScenarioS2InitialValueImage(t *testing.T) {
	text := "APX/1.2\n" +
		`N"DestNode"` + "\n" +
		`R"VehicleSpeed"S:=65535` + "\n" +
		`R"VehicleMode"C(0,7):=7` + "\n" +
		`R"SelectedGear"C(0,15):=15` + "\n"

	n, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := Finalize(n); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	var image []byte
	for _, p := range n.RequirePorts {
		resolved, err := resolve(n, p.DSG, map[int]bool{})
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		size := staticSize(resolved)
		b, err := EncodeInitialValue(resolved, p.Attributes, size)
		if err != nil {
			t.Fatalf("EncodeInitialValue(%s): %v", p.Name, err)
		}
		image = append(image, b...)
	}

	want := []byte{0xFF, 0xFF, 0x07, 0x0F}
	if len(image) < 4 {
		t.Fatalf("image too short: %v", image)
	}
	for i := 0; i < 4; i++ {
		if image[i] != want[i] {
			t.Fatalf("byte %d: got 0x%02X, want 0x%02X (image=%v)", i, image[i], want[i], image)
		}
	}
}
