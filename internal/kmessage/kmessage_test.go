package kmessage

import (
	"testing"

	"example.com/rvkernel/internal/kerr"
)

// R2: MessageInfo(kind, data_len, num_handles) round-trips for every
// value in the documented ranges. Exhaustive over num_handles (only 4
// values) and a sample of kind/data_len rather than the full 2^14 x 4097
// grid.
func TestPackUnpackRoundTrip(t *testing.T) {
	kinds := []uint32{0, 1, 42, MaxKind - 1}
	dataLens := []uint32{0, 1, 2048, MaxDataLen}
	handles := []uint32{0, 1, 2, MaxHandles}

	for _, k := range kinds {
		for _, d := range dataLens {
			for _, h := range handles {
				word, err := Pack(k, d, h)
				if err != nil {
					t.Fatalf("Pack(%d,%d,%d): %v", k, d, h, err)
				}
				info := Unpack(word)
				if info.Kind != k || info.DataLen != d || info.NumHandles != h {
					t.Fatalf("round trip mismatch: in=(%d,%d,%d) out=(%d,%d,%d)", k, d, h, info.Kind, info.DataLen, info.NumHandles)
				}
			}
		}
	}
}

// B1: data_len over the inline payload ceiling is TooLarge.
func TestPackRejectsOversizedData(t *testing.T) {
	_, err := Pack(0, MaxDataLen+1, 0)
	if !kerr.IsCode(err, kerr.TooLarge) {
		t.Fatalf("expected TooLarge, got %v", err)
	}
}

// B2: more than the per-message handle ceiling is TooLarge.
func TestPackRejectsTooManyHandles(t *testing.T) {
	_, err := Pack(0, 0, MaxHandles+1)
	if !kerr.IsCode(err, kerr.TooLarge) {
		t.Fatalf("expected TooLarge, got %v", err)
	}
}

func TestPackRejectsOutOfRangeKind(t *testing.T) {
	_, err := Pack(MaxKind, 0, 0)
	if !kerr.IsCode(err, kerr.InvalidMessageKind) {
		t.Fatalf("expected InvalidMessageKind, got %v", err)
	}
}
