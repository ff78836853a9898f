package terminal

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fitdesk/fitdesk-server/pkg/zkproto"
)

// readBuffer runs a buffered read (CMD_DATA_WRRQ). Small results come back
// inline; larger ones are pulled in MaxChunk pieces with CMD_DATA_RDY.
// complete is false when the terminal went quiet before the announced size
// was received; the bytes collected so far are still returned.
func (s *Session) readBuffer(conn net.Conn, cmd uint16, fct byte, deadline time.Time) (buf []byte, complete bool, err error) {
	resp, err := s.exchange(conn, zkproto.CmdDataWRRQ, zkproto.BufferRequest(cmd, fct, 0), deadline)
	if err != nil {
		return nil, false, err
	}

	switch resp.Command {
	case zkproto.CmdData:
		return resp.Data, true, nil
	case zkproto.CmdAckOK:
	default:
		return nil, false, fmt.Errorf("%w: DATA_WRRQ replied %s", ErrProtocol, zkproto.CommandName(resp.Command))
	}

	size, err := zkproto.BufferSize(resp.Data)
	if err != nil {
		return nil, false, err
	}

	buf = make([]byte, 0, size)
	for start := 0; start < size; start += zkproto.MaxChunk {
		n := min(zkproto.MaxChunk, size-start)

		chunk, ok, err := s.readChunk(conn, start, n, deadline)
		buf = append(buf, chunk...)
		if err != nil || !ok {
			return buf, false, err
		}
	}

	if err := s.simple(conn, zkproto.CmdFreeData, nil, deadline); err != nil {
		log.Debug().Err(err).Str("terminal", s.opts.Address).Msg("释放终端缓冲区失败")
	}

	return buf, true, nil
}

// readChunk 读取一个分块: CMD_PREPARE_DATA, 若干 CMD_DATA, 最后 CMD_ACK_OK
func (s *Session) readChunk(conn net.Conn, start, size int, deadline time.Time) ([]byte, bool, error) {
	resp, err := s.exchange(conn, zkproto.CmdDataRdy, zkproto.ChunkRequest(start, size), deadline)
	if err != nil {
		return nil, false, err
	}

	switch resp.Command {
	case zkproto.CmdData:
		return resp.Data, len(resp.Data) >= size, nil
	case zkproto.CmdPrepareData:
	default:
		return nil, false, fmt.Errorf("%w: DATA_RDY replied %s", ErrProtocol, zkproto.CommandName(resp.Command))
	}

	want, err := zkproto.PrepareSize(resp.Data)
	if err != nil {
		return nil, false, err
	}

	data := make([]byte, 0, want)
	for {
		p, err := s.receive(conn, s.idleDeadline(deadline))
		if err != nil {
			if isTimeout(err) {
				// 静默超时，按已收到的数据返回
				if len(data) >= want {
					return data, true, nil
				}
				return data, false, nil
			}
			return data, false, err
		}

		switch p.Command {
		case zkproto.CmdData:
			data = append(data, p.Data...)
		case zkproto.CmdAckOK:
			return data, len(data) >= want, nil
		default:
			return data, false, fmt.Errorf("%w: %s during chunk transfer", ErrProtocol, zkproto.CommandName(p.Command))
		}
	}
}

func (s *Session) idleDeadline(hard time.Time) time.Time {
	idle := time.Now().Add(s.opts.IdleTimeout)
	if hard.Before(idle) {
		return hard
	}
	return idle
}
