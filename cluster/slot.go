// Package cluster implements cluster-aware routing over the engine in the
// parent package: hash-slot computation, topology discovery and caching,
// and the MOVED/ASK redirect loop (spec §4.7).
package cluster

// crc16Table is the CRC16/XMODEM table (polynomial 0x1021, init 0x0000,
// no input/output reflection, no final xor), ground-computed once at
// package init rather than checked in as a 256-entry literal.
var crc16Table [256]uint16

func init() {
	const poly = 0x1021
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		crc16Table[i] = crc
	}
}

func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = crc<<8 ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}

const SlotCount = 16384

// HashSlot computes the cluster hash slot for key: CRC16/XMODEM of the
// hash-tagged portion of the key, modulo 16384 (spec §4.7).
//
// Hash tags: the first '{' and the first '}' strictly after it delimit
// the tag. An empty tag ("{}") or no matching '}' falls back to hashing
// the whole key.
func HashSlot(key []byte) int {
	return int(crc16(hashTag(key)) % SlotCount)
}

func hashTag(key []byte) []byte {
	start := -1
	for i, b := range key {
		if b == '{' {
			start = i
			break
		}
	}
	if start == -1 {
		return key
	}
	for j := start + 1; j < len(key); j++ {
		if key[j] == '}' {
			if j == start+1 {
				// Empty tag: fall back to the whole key.
				return key
			}
			return key[start+1 : j]
		}
	}
	return key
}

// KeysCrossSlot reports whether keys resolve to more than one hash slot.
// Called with zero or one key it is trivially false.
func KeysCrossSlot(keys [][]byte) bool {
	if len(keys) < 2 {
		return false
	}
	first := HashSlot(keys[0])
	for _, k := range keys[1:] {
		if HashSlot(k) != first {
			return true
		}
	}
	return false
}
