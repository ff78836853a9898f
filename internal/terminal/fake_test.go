package terminal

import (
	"bytes"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fitdesk/fitdesk-server/pkg/zkproto"
)

// fakeTerminal speaks the TCP framing of a ZKTeco terminal on loopback.
type fakeTerminal struct {
	ln net.Listener

	sessionID uint16
	commKey   uint32
	users     [][]byte
	records   [][]byte
	// inline 小数据直接以 CMD_DATA 返回
	inline bool
	// stallAfter 发送这么多字节后停止响应
	stallAfter int
	reject     map[uint16]bool

	mu       sync.Mutex
	commands []uint16
	accepted int
}

func newFakeTerminal(t *testing.T) *fakeTerminal {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	f := &fakeTerminal{ln: ln, sessionID: 0x2A17, reject: map[uint16]bool{}}
	t.Cleanup(func() { ln.Close() })
	go f.serve()
	return f
}

func (f *fakeTerminal) addr() string {
	return f.ln.Addr().String()
}

func (f *fakeTerminal) seen(cmd uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if c == cmd {
			return true
		}
	}
	return false
}

func (f *fakeTerminal) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.accepted++
		f.mu.Unlock()
		go f.handle(conn)
	}
}

func (f *fakeTerminal) handle(conn net.Conn) {
	defer conn.Close()

	var pending []byte
	for {
		p, err := zkproto.ReadPacket(conn)
		if err != nil {
			return
		}

		f.mu.Lock()
		f.commands = append(f.commands, p.Command)
		f.mu.Unlock()

		reply := func(cmd uint16, data []byte) {
			zkproto.WritePacket(conn, &zkproto.Packet{
				Command:   cmd,
				SessionID: f.sessionID,
				ReplyID:   p.ReplyID,
				Data:      data,
			})
		}

		switch p.Command {
		case zkproto.CmdConnect:
			if f.commKey != 0 {
				reply(zkproto.CmdAckUnauth, nil)
			} else {
				reply(zkproto.CmdAckOK, nil)
			}

		case zkproto.CmdAuth:
			if bytes.Equal(p.Data, zkproto.MakeCommKey(f.commKey, f.sessionID, zkproto.DefaultTicks)) {
				reply(zkproto.CmdAckOK, nil)
			} else {
				reply(zkproto.CmdAckUnauth, nil)
			}

		case zkproto.CmdGetFreeSizes:
			reply(zkproto.CmdAckOK, zkproto.EncodeSizes(zkproto.Sizes{
				Users:   len(f.users),
				Records: len(f.records),
			}))

		case zkproto.CmdDataWRRQ:
			cmd, _, _ := zkproto.ParseBufferRequest(p.Data)
			if cmd == zkproto.CmdAttLogRRQ {
				pending = zkproto.BulkBuffer(f.records)
			} else {
				pending = zkproto.BulkBuffer(f.users)
			}
			if f.inline {
				reply(zkproto.CmdData, pending)
				continue
			}
			size := make([]byte, 9)
			binary.LittleEndian.PutUint32(size[1:5], uint32(len(pending)))
			reply(zkproto.CmdAckOK, size)

		case zkproto.CmdDataRdy:
			start, size, _ := zkproto.ParseChunkRequest(p.Data)
			chunk := pending[start : start+size]

			announce := make([]byte, 4)
			binary.LittleEndian.PutUint32(announce, uint32(size))
			reply(zkproto.CmdPrepareData, announce)

			if f.stallAfter > 0 {
				reply(zkproto.CmdData, chunk[:f.stallAfter])
				continue
			}
			for len(chunk) > 0 {
				n := min(len(chunk), 64)
				reply(zkproto.CmdData, chunk[:n])
				chunk = chunk[n:]
			}
			reply(zkproto.CmdAckOK, nil)

		case zkproto.CmdUserWRQ:
			u, err := zkproto.DecodeUser(p.Data)
			if err != nil || f.reject[u.UID] {
				reply(zkproto.CmdAckError, nil)
			} else {
				reply(zkproto.CmdAckOK, nil)
			}

		case zkproto.CmdExit:
			reply(zkproto.CmdAckOK, nil)
			return

		default:
			reply(zkproto.CmdAckOK, nil)
		}
	}
}

func punchRecord(uid uint16, userID string, ts time.Time, punch byte) []byte {
	return zkproto.EncodeAttendanceRecord(zkproto.AttendanceRecord{
		UID:       uid,
		UserID:    userID,
		Timestamp: ts,
		Status:    1,
		Punch:     punch,
	})
}
