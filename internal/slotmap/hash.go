package slotmap

import "hyperglide/internal/crc16"

// Slot computes the hash slot a key maps to: CRC16-CCITT of the
// "hash tag" substring between the first '{' and the following '}' if one
// exists and is non-empty, else of the whole key, modulo RedisHashSlots
// (spec.md §4.4's CRC16(key) % 16384 rule, with the {hashtag} override
// cluster clients must honor so multi-key commands can target one slot).
func Slot(key string) uint16 {
	tag := hashTag(key)
	return crc16.Sum([]byte(tag)) % RedisHashSlots
}

// hashTag extracts the {...} substring used for slot computation,
// returning the original key unchanged when no valid tag is present.
func hashTag(key string) string {
	open := -1
	for i := 0; i < len(key); i++ {
		if key[i] == '{' {
			open = i
			break
		}
	}
	if open < 0 {
		return key
	}
	close := -1
	for i := open + 1; i < len(key); i++ {
		if key[i] == '}' {
			close = i
			break
		}
	}
	if close < 0 || close == open+1 {
		return key
	}
	return key[open+1 : close]
}
