package zkproto

import "encoding/binary"

// MakeCommKey derives the CMD_AUTH payload from the terminal's numeric comm
// key and the session id assigned in the CMD_CONNECT reply.
func MakeCommKey(key uint32, sessionID uint16, ticks byte) []byte {
	// 按位反转 key
	var k uint32
	for i := 0; i < 32; i++ {
		if key&(1<<uint(i)) != 0 {
			k = k<<1 | 1
		} else {
			k <<= 1
		}
	}
	k += uint32(sessionID)

	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, k)
	b[0] ^= 'Z'
	b[1] ^= 'K'
	b[2] ^= 'S'
	b[3] ^= 'O'

	// 交换高低半字
	b[0], b[1], b[2], b[3] = b[2], b[3], b[0], b[1]

	return []byte{b[0] ^ ticks, b[1] ^ ticks, ticks, b[3] ^ ticks}
}
