package hd

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"errors"
)

// SLIP-0010 ed25519 derivation. Only hardened children exist for ed25519,
// so every path element must carry the hardened bit.

const hardenedOffset = uint32(0x80000000)

var errNotHardened = errors.New("ed25519 derivation requires hardened path elements")

func deriveEd25519Seed(seed []byte, path []uint32) ([]byte, error) {
	mac := hmac.New(sha512.New, []byte("ed25519 seed"))
	mac.Write(seed)
	sum := mac.Sum(nil)
	key, chainCode := sum[:32], sum[32:]

	for _, element := range path {
		if element < hardenedOffset {
			return nil, errNotHardened
		}
		var index [4]byte
		binary.BigEndian.PutUint32(index[:], element)

		mac = hmac.New(sha512.New, chainCode)
		mac.Write([]byte{0x00})
		mac.Write(key)
		mac.Write(index[:])
		sum = mac.Sum(nil)
		key, chainCode = sum[:32], sum[32:]
	}
	return key, nil
}
