package mediaplugin

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func scanAll(t *testing.T, data []byte, startCodeFollows bool) ([][]byte, error) {
	t.Helper()
	var units [][]byte
	cur := NewNALCursor(data)
	for i := 0; i < 1000; i++ {
		nal, err := cur.Next(startCodeFollows)
		if err != nil {
			return units, err
		}
		units = append(units, nal)
	}
	t.Fatal("scanner did not terminate")
	return nil, nil
}

func TestNextNALUnitExample(t *testing.T) {
	data := []byte{0x00, 0x00, 0x01, 0xAA, 0xBB, 0x00, 0x00, 0x01, 0xCC}

	units, err := scanAll(t, data, true)
	if !errors.Is(err, ErrNoNALUnit) {
		t.Fatalf("final error = %v, want ErrNoNALUnit", err)
	}
	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}
	if !bytes.Equal(units[0], []byte{0xAA, 0xBB}) {
		t.Errorf("unit 0 = % X, want AA BB", units[0])
	}
	if !bytes.Equal(units[1], []byte{0xCC}) {
		t.Errorf("unit 1 = % X, want CC", units[1])
	}
}

func TestNextNALUnitBorrowsInput(t *testing.T) {
	data := []byte{0x00, 0x00, 0x01, 0x65, 0x88, 0x00, 0x00, 0x01, 0x41}

	nal, rest, err := NextNALUnit(data, true)
	if err != nil {
		t.Fatalf("NextNALUnit failed: %v", err)
	}
	if &nal[0] != &data[3] {
		t.Error("unit does not reference the input buffer")
	}
	if !bytes.Equal(rest, data[5:]) {
		t.Errorf("rest = % X, want % X", rest, data[5:])
	}
}

func TestNextNALUnitRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 200; iter++ {
		k := 1 + rng.Intn(8)
		want := make([][]byte, k)
		var buf []byte
		for i := range want {
			// Bytes >= 0x02 cannot form or end with a start code.
			unit := make([]byte, 1+rng.Intn(64))
			for j := range unit {
				unit[j] = byte(2 + rng.Intn(254))
			}
			want[i] = unit

			if rng.Intn(2) == 0 {
				buf = append(buf, 0x00)
			}
			buf = append(buf, 0x00, 0x00, 0x01)
			buf = append(buf, unit...)
		}

		got, err := scanAll(t, buf, true)
		if !errors.Is(err, ErrNoNALUnit) {
			t.Fatalf("iter %d: final error = %v", iter, err)
		}
		if len(got) != k {
			t.Fatalf("iter %d: got %d units, want %d", iter, len(got), k)
		}
		for i := range want {
			if !bytes.Equal(got[i], want[i]) {
				t.Fatalf("iter %d unit %d: got % X, want % X", iter, i, got[i], want[i])
			}
		}
	}
}

func TestNextNALUnitInvalidStartCode(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"no zeros", []byte{0xAA, 0xBB, 0x00, 0x00, 0x01}},
		{"single zero", []byte{0x00, 0x01, 0xAA}},
		{"zeros then data", []byte{0x00, 0x00, 0x02, 0xAA}},
		{"zero run without one", []byte{0x00, 0x00, 0x00, 0x09, 0x00, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nal, rest, err := NextNALUnit(tt.data, true)
			if !errors.Is(err, ErrInvalidStartCode) {
				t.Fatalf("err = %v, want ErrInvalidStartCode", err)
			}
			if nal != nil || rest != nil {
				t.Errorf("expected no unit, got nal=% X rest=% X", nal, rest)
			}
		})
	}
}

func TestNextNALUnitNoUnit(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"only zeros", []byte{0x00, 0x00, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := NextNALUnit(tt.data, true); !errors.Is(err, ErrNoNALUnit) {
				t.Fatalf("err = %v, want ErrNoNALUnit", err)
			}
		})
	}
}

func TestNextNALUnitTrailingPartialUnit(t *testing.T) {
	data := []byte{0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x00, 0x01, 0x68, 0xCE}

	t.Run("continuation", func(t *testing.T) {
		units, err := scanAll(t, data, true)
		if !errors.Is(err, ErrNoNALUnit) {
			t.Fatalf("final error = %v", err)
		}
		if len(units) != 2 {
			t.Fatalf("got %d units, want 2", len(units))
		}
		if !bytes.Equal(units[1], []byte{0x68, 0xCE}) {
			t.Errorf("trailing unit = % X, want 68 CE", units[1])
		}
	})

	t.Run("no continuation", func(t *testing.T) {
		units, err := scanAll(t, data, false)
		if !errors.Is(err, ErrNoNALUnit) {
			t.Fatalf("final error = %v", err)
		}
		if len(units) != 1 {
			t.Fatalf("got %d units, want 1", len(units))
		}
		if !bytes.Equal(units[0], []byte{0x67, 0x42}) {
			t.Errorf("unit = % X, want 67 42", units[0])
		}
	})

	t.Run("single unit without continuation", func(t *testing.T) {
		_, _, err := NextNALUnit([]byte{0x00, 0x00, 0x01, 0x65, 0x11}, false)
		if !errors.Is(err, ErrNoNALUnit) {
			t.Fatalf("err = %v, want ErrNoNALUnit", err)
		}
	})
}

func TestNextNALUnitTrimsPadding(t *testing.T) {
	// Unit followed by zero padding and a four-byte start code.
	data := []byte{0x00, 0x00, 0x01, 0x41, 0x9A, 0x00, 0x00, 0x00, 0x00, 0x01, 0x41, 0x9B}

	units, err := scanAll(t, data, true)
	if !errors.Is(err, ErrNoNALUnit) {
		t.Fatalf("final error = %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}
	if !bytes.Equal(units[0], []byte{0x41, 0x9A}) {
		t.Errorf("unit 0 = % X, want 41 9A", units[0])
	}
	if !bytes.Equal(units[1], []byte{0x41, 0x9B}) {
		t.Errorf("unit 1 = % X, want 41 9B", units[1])
	}
}

func TestNextNALUnitEmbeddedOne(t *testing.T) {
	// 0x01 bytes not preceded by two zeros belong to the unit.
	data := []byte{0x00, 0x00, 0x01, 0x06, 0x01, 0x00, 0x01, 0x05, 0x00, 0x00, 0x01, 0x65}

	units, err := scanAll(t, data, true)
	if !errors.Is(err, ErrNoNALUnit) {
		t.Fatalf("final error = %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}
	if !bytes.Equal(units[0], []byte{0x06, 0x01, 0x00, 0x01, 0x05}) {
		t.Errorf("unit 0 = % X", units[0])
	}
}

func TestNextNALUnitZeroLength(t *testing.T) {
	data := []byte{0x00, 0x00, 0x01, 0x00, 0x00, 0x01, 0x09}

	units, err := scanAll(t, data, true)
	if !errors.Is(err, ErrNoNALUnit) {
		t.Fatalf("final error = %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}
	if len(units[0]) != 0 {
		t.Errorf("unit 0 = % X, want empty", units[0])
	}
	if !bytes.Equal(units[1], []byte{0x09}) {
		t.Errorf("unit 1 = % X, want 09", units[1])
	}
}

func TestNextNALUnitTrailingStartCode(t *testing.T) {
	data := []byte{0x00, 0x00, 0x01, 0x41, 0x00, 0x00, 0x01}

	units, err := scanAll(t, data, true)
	if !errors.Is(err, ErrNoNALUnit) {
		t.Fatalf("final error = %v", err)
	}
	if len(units) != 1 || !bytes.Equal(units[0], []byte{0x41}) {
		t.Fatalf("units = %v, want [41]", units)
	}
}

func TestSplitAnnexBInvalid(t *testing.T) {
	units, err := SplitAnnexB([]byte{0x00, 0x00, 0x01, 0x41, 0x00, 0x00, 0x01, 0x42})
	if err != nil {
		t.Fatalf("SplitAnnexB failed: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}

	if _, err := SplitAnnexB([]byte{0x12, 0x34}); !errors.Is(err, ErrInvalidStartCode) {
		t.Fatalf("err = %v, want ErrInvalidStartCode", err)
	}
}
