package zkproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// TCP 包头: 50 50 82 7D + uint32 小端长度
var tcpMagic = [4]byte{0x50, 0x50, 0x82, 0x7D}

const (
	TCPHeaderSize = 8
	HeaderSize    = 8

	// maxFrameSize 单帧上限，防止异常长度导致大内存分配
	maxFrameSize = 1 << 20
)

var (
	ErrBadMagic   = errors.New("zkproto: bad tcp magic")
	ErrShortFrame = errors.New("zkproto: short frame")
	ErrFrameSize  = errors.New("zkproto: frame too large")
)

// Packet is one command or reply exchanged with a terminal.
type Packet struct {
	Command   uint16
	Checksum  uint16
	SessionID uint16
	ReplyID   uint16
	Data      []byte
}

// Checksum computes the protocol's 16-bit one's complement style checksum
// over a header (with the checksum field zeroed) followed by its payload.
func Checksum(buf []byte) uint16 {
	sum := 0
	for len(buf) > 1 {
		sum += int(binary.LittleEndian.Uint16(buf))
		buf = buf[2:]
		if sum > USHRTMax {
			sum -= USHRTMax
		}
	}
	if len(buf) == 1 {
		sum += int(buf[0])
	}

	for sum > USHRTMax {
		sum -= USHRTMax
	}

	sum = ^sum
	for sum < 0 {
		sum += USHRTMax
	}

	return uint16(sum)
}

// MarshalBinary encodes the 8-byte command header plus payload and fills in
// the checksum.
func (p *Packet) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize+len(p.Data))
	binary.LittleEndian.PutUint16(buf[0:2], p.Command)
	binary.LittleEndian.PutUint16(buf[4:6], p.SessionID)
	binary.LittleEndian.PutUint16(buf[6:8], p.ReplyID)
	copy(buf[HeaderSize:], p.Data)

	p.Checksum = Checksum(buf)
	binary.LittleEndian.PutUint16(buf[2:4], p.Checksum)

	return buf, nil
}

// UnmarshalBinary decodes a command header plus payload.
func (p *Packet) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return ErrShortFrame
	}

	p.Command = binary.LittleEndian.Uint16(data[0:2])
	p.Checksum = binary.LittleEndian.Uint16(data[2:4])
	p.SessionID = binary.LittleEndian.Uint16(data[4:6])
	p.ReplyID = binary.LittleEndian.Uint16(data[6:8])
	p.Data = append([]byte(nil), data[HeaderSize:]...)

	return nil
}

// Valid reports whether the stored checksum matches the packet contents.
func (p *Packet) Valid() bool {
	buf := make([]byte, HeaderSize+len(p.Data))
	binary.LittleEndian.PutUint16(buf[0:2], p.Command)
	binary.LittleEndian.PutUint16(buf[4:6], p.SessionID)
	binary.LittleEndian.PutUint16(buf[6:8], p.ReplyID)
	copy(buf[HeaderSize:], p.Data)
	return Checksum(buf) == p.Checksum
}

// EncodeFrame wraps a packet in the TCP transport header.
func EncodeFrame(p *Packet) ([]byte, error) {
	body, err := p.MarshalBinary()
	if err != nil {
		return nil, err
	}

	frame := bytes.NewBuffer(make([]byte, 0, TCPHeaderSize+len(body)))
	frame.Write(tcpMagic[:])

	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(body)))
	frame.Write(size[:])
	frame.Write(body)

	return frame.Bytes(), nil
}

// WritePacket encodes and writes one frame.
func WritePacket(w io.Writer, p *Packet) error {
	frame, err := EncodeFrame(p)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadPacket reads exactly one TCP frame. The length prefix is authoritative,
// so a frame split across several TCP segments is reassembled here.
func ReadPacket(r io.Reader) (*Packet, error) {
	var head [TCPHeaderSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}

	if !bytes.Equal(head[:4], tcpMagic[:]) {
		return nil, fmt.Errorf("%w: % x", ErrBadMagic, head[:4])
	}

	size := binary.LittleEndian.Uint32(head[4:8])
	if size < HeaderSize {
		return nil, fmt.Errorf("%w: length %d", ErrShortFrame, size)
	}
	if size > maxFrameSize {
		return nil, fmt.Errorf("%w: length %d", ErrFrameSize, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	p := &Packet{}
	if err := p.UnmarshalBinary(body); err != nil {
		return nil, err
	}
	return p, nil
}

// NextReplyID advances a reply id the way terminals expect.
func NextReplyID(id uint16) uint16 {
	next := int(id) + 1
	if next >= USHRTMax {
		next -= USHRTMax
	}
	return uint16(next)
}

// BufferRequest builds the CMD_DATA_WRRQ payload asking the terminal to stage
// the result of cmd (with table fct) for a buffered read.
func BufferRequest(cmd uint16, fct byte, ext uint32) []byte {
	buf := make([]byte, 11)
	buf[0] = 1
	binary.LittleEndian.PutUint16(buf[1:3], cmd)
	binary.LittleEndian.PutUint32(buf[3:7], uint32(fct))
	binary.LittleEndian.PutUint32(buf[7:11], ext)
	return buf
}

// ParseBufferRequest is the inverse of BufferRequest.
func ParseBufferRequest(data []byte) (cmd uint16, fct byte, err error) {
	if len(data) < 11 {
		return 0, 0, ErrShortFrame
	}
	return binary.LittleEndian.Uint16(data[1:3]), byte(binary.LittleEndian.Uint32(data[3:7])), nil
}

// ChunkRequest builds the CMD_DATA_RDY payload for one chunk.
func ChunkRequest(start, size int) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(start))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(size))
	return buf
}

// ParseChunkRequest is the inverse of ChunkRequest.
func ParseChunkRequest(data []byte) (start, size int, err error) {
	if len(data) < 8 {
		return 0, 0, ErrShortFrame
	}
	return int(binary.LittleEndian.Uint32(data[0:4])), int(binary.LittleEndian.Uint32(data[4:8])), nil
}

// BufferSize extracts the staged size from the ACK_OK reply to CMD_DATA_WRRQ.
func BufferSize(data []byte) (int, error) {
	if len(data) < 5 {
		return 0, fmt.Errorf("%w: buffer size reply has %d bytes", ErrShortFrame, len(data))
	}
	return int(binary.LittleEndian.Uint32(data[1:5])), nil
}

// PrepareSize extracts the announced length from a CMD_PREPARE_DATA packet.
func PrepareSize(data []byte) (int, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("%w: prepare reply has %d bytes", ErrShortFrame, len(data))
	}
	return int(binary.LittleEndian.Uint32(data[0:4])), nil
}
