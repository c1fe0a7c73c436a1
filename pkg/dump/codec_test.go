package dump

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"
)

type node struct {
	Value int
	Next  *node
}

type account struct {
	Owner   string
	Balance float64
	Tags    map[string]int
	History []int
}

type wrapper struct {
	N int
	P *int
}

type cell struct {
	Value int
	Prev  *cell
}

type mixed struct {
	Name   string
	secret int
}

// stamp keeps its state private but marshals it itself
type stamp struct {
	seconds int64
}

func (s *stamp) MarshalBinary() ([]byte, error) {
	return []byte(strconv.FormatInt(s.seconds, 10)), nil
}

func (s *stamp) UnmarshalBinary(data []byte) error {
	n, err := strconv.ParseInt(string(data), 10, 64)
	s.seconds = n
	return err
}

type marshalPanics struct{}

func (marshalPanics) MarshalBinary() ([]byte, error) {
	panic("broken marshaler")
}

func TestEncodeDecode(t *testing.T) {
	want := account{
		Owner:   "ada",
		Balance: 12.5,
		Tags:    map[string]int{"vip": 1},
		History: []int{1, 2, 3},
	}

	for _, ct := range []CompressionType{NoCompression, ZstdCompression} {
		data, err := Encode(want, ct)
		if err != nil {
			t.Fatalf("Encode with %s failed: %v", ct, err)
		}

		var got account
		if err := Decode(data, ct, &got); err != nil {
			t.Fatalf("Decode with %s failed: %v", ct, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Decoded %+v, want %+v", got, want)
		}
	}
}

func TestEncodeUnsupported(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	cyclic := &node{Value: 1}
	cyclic.Next = &node{Value: 2, Next: cyclic}

	tests := []struct {
		name  string
		value any
	}{
		{"nil", nil},
		{"channel", make(chan int)},
		{"function", func() {}},
		{"connection", left},
		{"cycle", cyclic},
		{"panicking marshaler", marshalPanics{}},
		{"unexported field", mixed{Name: "a", secret: 42}},
		{"unexported field in slice", []mixed{{Name: "a"}}},
		{"unexported field in map key", map[mixed]int{{Name: "a"}: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.value, NoCompression)
			if err == nil {
				t.Fatalf("Expected an error, got %d bytes", len(data))
			}
			if !errors.Is(err, ErrUnsupported) {
				t.Errorf("Expected ErrUnsupported, got %v", err)
			}
			var unsupported *UnsupportedError
			if !errors.As(err, &unsupported) {
				t.Fatalf("Expected *UnsupportedError, got %T", err)
			}
			if unsupported.Type == "" {
				t.Error("Expected the type to be recorded")
			}
		})
	}
}

func TestEncodeSharedPointerIsNotCycle(t *testing.T) {
	shared := &node{Value: 7}
	value := []*node{shared, shared}

	if _, err := Encode(value, NoCompression); err != nil {
		t.Fatalf("Shared pointers are not a cycle: %v", err)
	}
}

func TestEncodeInteriorPointers(t *testing.T) {
	w := &wrapper{N: 4}
	w.P = &w.N

	data, err := Encode(w, NoCompression)
	if err != nil {
		t.Fatalf("A pointer to a struct's own field is not a cycle: %v", err)
	}
	var gotWrapper wrapper
	if err := Decode(data, NoCompression, &gotWrapper); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if gotWrapper.N != 4 || gotWrapper.P == nil || *gotWrapper.P != 4 {
		t.Errorf("Unexpected wrapper %+v", gotWrapper)
	}

	cells := make([]cell, 2)
	cells[0].Value = 1
	cells[1] = cell{Value: 2, Prev: &cells[0]}

	data, err = Encode(cells, NoCompression)
	if err != nil {
		t.Fatalf("A pointer into the same slice is not a cycle: %v", err)
	}
	var gotCells []cell
	if err := Decode(data, NoCompression, &gotCells); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(gotCells) != 2 || gotCells[1].Prev == nil || gotCells[1].Prev.Value != 1 {
		t.Errorf("Unexpected cells %+v", gotCells)
	}
}

func TestEncodeCycleLocation(t *testing.T) {
	cells := []*cell{{Value: 1}, {Value: 2}}
	cells[1].Prev = cells[1]

	_, err := Encode(cells, NoCompression)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Expected ErrUnsupported, got %v", err)
	}
	if !strings.Contains(err.Error(), "cyclic reference at value[1].Prev") {
		t.Errorf("Expected the cycle location in %q", err)
	}
}

func TestEncodeUnexportedFieldLocation(t *testing.T) {
	_, err := Encode(map[string]mixed{"k": {Name: "a", secret: 42}}, NoCompression)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Expected ErrUnsupported, got %v", err)
	}
	if !strings.Contains(err.Error(), "unexported field secret of dump.mixed would be lost at value[k]") {
		t.Errorf("Unexpected message %q", err)
	}
}

func TestEncodeSelfMarshalingPrivateState(t *testing.T) {
	data, err := Encode(&stamp{seconds: 90}, NoCompression)
	if err != nil {
		t.Fatalf("Types that marshal themselves may keep private fields: %v", err)
	}
	var got stamp
	if err := Decode(data, NoCompression, &got); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.seconds != 90 {
		t.Errorf("Expected 90 seconds, got %d", got.seconds)
	}
}

func TestEncodeLargeScalarSlice(t *testing.T) {
	if inspect(reflect.TypeOf([]byte(nil))).walk {
		t.Error("A byte slice has nothing to walk")
	}
	if inspect(reflect.TypeOf([4]int{})).walk {
		t.Error("An int array has nothing to walk")
	}
	if !inspect(reflect.TypeOf([]*cell(nil))).walk {
		t.Error("A slice of pointers must be walked")
	}

	big := make([]byte, 8<<20)
	data, err := Encode(big, ZstdCompression)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	var got []byte
	if err := Decode(data, ZstdCompression, &got); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(got) != len(big) {
		t.Errorf("Expected %d bytes, got %d", len(big), len(got))
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	for _, ct := range []CompressionType{NoCompression, ZstdCompression} {
		data, err := Encode([]int{1, 2, 3}, ct)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		path := filepath.Join(dir, "data"+Extension(ct))
		if err := os.WriteFile(path, data, 0644); err != nil {
			t.Fatalf("Failed to write dump: %v", err)
		}

		got, err := Load[[]int](path)
		if err != nil {
			t.Fatalf("Load(%s) failed: %v", path, err)
		}
		if !reflect.DeepEqual(got, []int{1, 2, 3}) {
			t.Errorf("Load(%s) = %v, want [1 2 3]", path, got)
		}
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load[int](filepath.Join(t.TempDir(), "missing.gob"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected ErrNotExist, got %v", err)
	}
}

func TestExtension(t *testing.T) {
	if got := Extension(NoCompression); got != ".gob" {
		t.Errorf("Expected .gob, got %s", got)
	}
	if got := Extension(ZstdCompression); got != ".gob.zst" {
		t.Errorf("Expected .gob.zst, got %s", got)
	}
	if got := CompressionFor("dir/x.gob.zst"); got != ZstdCompression {
		t.Errorf("Expected zstd for .gob.zst, got %s", got)
	}
	if got := CompressionFor("dir/x.gob"); got != NoCompression {
		t.Errorf("Expected none for .gob, got %s", got)
	}
}
