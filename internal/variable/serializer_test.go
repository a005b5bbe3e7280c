package variable

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"
)

func TestPrimitive_RoundTripKeepsType(t *testing.T) {
	formats := NewFormats()
	ser, err := formats.Get(FormatPrimitive)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	ts := time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)
	values := []any{nil, true, "text", 42, int64(-7), uint8(9), 1.5, float32(2.5)}

	for _, in := range values {
		data, err := ser.Serialize(in, nil)
		if err != nil {
			t.Fatalf("Serialize(%#v): %v", in, err)
		}
		out, err := ser.Deserialize(data, nil)
		if err != nil {
			t.Fatalf("Deserialize(%#v): %v", in, err)
		}
		if out != in {
			t.Errorf("round trip: expected %#v (%T), got %#v (%T)", in, in, out, out)
		}
	}

	data, _ := ser.Serialize(ts, nil)
	out, err := ser.Deserialize(data, nil)
	if err != nil {
		t.Fatalf("Deserialize time: %v", err)
	}
	if got, ok := out.(time.Time); !ok || !got.Equal(ts) {
		t.Errorf("time round trip: got %#v", out)
	}

	data, _ = ser.Serialize([]byte{1, 2, 3}, nil)
	out, _ = ser.Deserialize(data, nil)
	if b, ok := out.([]byte); !ok || !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Errorf("bytes round trip: got %#v", out)
	}
}

func TestPrimitive_Deterministic(t *testing.T) {
	ser, _ := NewFormats().Get(FormatPrimitive)

	a, _ := ser.Serialize(12345, nil)
	b, _ := ser.Serialize(12345, nil)
	if !bytes.Equal(a, b) {
		t.Errorf("expected identical output, got %s and %s", a, b)
	}
}

func TestPrimitive_RejectsNaNAndComposite(t *testing.T) {
	ser, _ := NewFormats().Get(FormatPrimitive)

	if _, err := ser.Serialize(math.NaN(), nil); !errors.Is(err, ErrSerialization) {
		t.Errorf("NaN: expected ErrSerialization, got %v", err)
	}
	if _, err := ser.Serialize(map[string]any{}, nil); !errors.Is(err, ErrSerialization) {
		t.Errorf("map: expected ErrSerialization, got %v", err)
	}
}

func TestJSON_IndentAndUseNumber(t *testing.T) {
	ser, _ := NewFormats().Get(FormatJSON)

	data, err := ser.Serialize(map[string]any{"n": 1}, map[string]string{ConfigIndent: "  "})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if !bytes.Contains(data, []byte("\n  \"n\"")) {
		t.Errorf("expected indented output, got %s", data)
	}

	out, err := ser.Deserialize([]byte(`{"n": 10}`), map[string]string{ConfigUseNumber: "true"})
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	m := out.(map[string]any)
	if m["n"].(interface{ String() string }).String() != "10" {
		t.Errorf("expected json.Number 10, got %#v", m["n"])
	}
}

func TestYAML_RejectsFunc(t *testing.T) {
	ser, _ := NewFormats().Get(FormatYAML)

	if _, err := ser.Serialize(func() {}, nil); !errors.Is(err, ErrSerialization) {
		t.Errorf("expected ErrSerialization, got %v", err)
	}
}

func TestDetect(t *testing.T) {
	if Detect("s") != FormatPrimitive {
		t.Error("string should be primitive")
	}
	if Detect(time.Now()) != FormatPrimitive {
		t.Error("time should be primitive")
	}
	if Detect([]int{1}) != FormatJSON {
		t.Error("slice should default to JSON")
	}
}
