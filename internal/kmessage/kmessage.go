// Package kmessage implements spec Section 4.2's packed MessageInfo: a
// 32-bit field carrying (kind, data_len, num_handles) that every
// CHANNEL_RECV syscall returns to userspace in lieu of three separate
// values, the same "one signed integer" discipline the syscall dispatcher
// uses everywhere (spec Section 4.5).
package kmessage

import (
	"fmt"

	"example.com/rvkernel/internal/kerr"
)

const (
	// MaxDataLen is the inline payload ceiling (spec Section 3/4.2).
	MaxDataLen = 4096
	// MaxHandles is the per-message handle-transfer ceiling.
	MaxHandles = 3
	// MaxKind is the exclusive upper bound kind values round-trip under
	// (spec round-trip law R2: k in [0, 2^14)).
	MaxKind = 1 << 14

	handleBits = 3
	dataBits   = 13
	handleMask = (1 << handleBits) - 1
	dataMask   = (1 << dataBits) - 1
	kindMask   = MaxKind - 1
)

// Info is the decoded form of a packed MessageInfo word.
type Info struct {
	Kind       uint32
	DataLen    uint32
	NumHandles uint32
}

// Pack validates and packs (kind, dataLen, numHandles) into a MessageInfo
// word. Callers that already validated bounds (Channel.Send) may pack
// directly; this validates again so a bad call fails loudly rather than
// silently truncating into the wrong field.
func Pack(kind, dataLen, numHandles uint32) (uint32, error) {
	if dataLen > MaxDataLen {
		return 0, fmt.Errorf("kmessage: data_len %d exceeds %d: %w", dataLen, MaxDataLen, kerr.TooLarge)
	}
	if numHandles > MaxHandles {
		return 0, fmt.Errorf("kmessage: num_handles %d exceeds %d: %w", numHandles, MaxHandles, kerr.TooLarge)
	}
	if kind >= MaxKind {
		return 0, fmt.Errorf("kmessage: kind %d out of range: %w", kind, kerr.InvalidMessageKind)
	}
	word := (kind&kindMask)<<(dataBits+handleBits) | (dataLen&dataMask)<<handleBits | (numHandles & handleMask)
	return word, nil
}

// Unpack decodes a MessageInfo word back into its three fields.
func Unpack(word uint32) Info {
	return Info{
		NumHandles: word & handleMask,
		DataLen:    (word >> handleBits) & dataMask,
		Kind:       (word >> (dataBits + handleBits)) & kindMask,
	}
}
