// Package zkproto implements the ZKTeco standalone terminal command protocol
// (TCP transport): frame encoding, checksums, comm-key authentication and the
// user / attendance record layouts used by fingerprint terminals.
package zkproto

// 命令码
const (
	CmdConnect       uint16 = 1000
	CmdExit          uint16 = 1001
	CmdEnableDevice  uint16 = 1002
	CmdDisableDevice uint16 = 1003
	CmdRefreshData   uint16 = 1013
	CmdAuth          uint16 = 1102
	CmdGetFreeSizes  uint16 = 50
	CmdUserWRQ       uint16 = 8
	CmdUserTempRRQ   uint16 = 9
	CmdAttLogRRQ     uint16 = 13
	CmdStartEnroll   uint16 = 61
	CmdCancelCapture uint16 = 62

	// 分块传输
	CmdPrepareData uint16 = 1500
	CmdData        uint16 = 1501
	CmdFreeData    uint16 = 1502
	CmdDataWRRQ    uint16 = 1503
	CmdDataRdy     uint16 = 1504
)

// 应答码
const (
	CmdAckOK     uint16 = 2000
	CmdAckError  uint16 = 2001
	CmdAckData   uint16 = 2002
	CmdAckRetry  uint16 = 2003
	CmdAckRepeat uint16 = 2004
	CmdAckUnauth uint16 = 2005
)

// 数据表标识 (FCT)
const (
	FctAttLog byte = 1
	FctUser   byte = 5
)

// 用户权限
const (
	PrivilegeUser  byte = 0
	PrivilegeAdmin byte = 14
)

const (
	// USHRTMax 回复ID与校验和的回绕上限
	USHRTMax = 65535

	// MaxChunk TCP 模式下单次 CMD_DATA_RDY 的最大读取长度
	MaxChunk = 0xFFC0

	// DefaultTicks 计算 comm key 使用的 ticks
	DefaultTicks byte = 50
)

// CommandName returns a readable name for logging.
func CommandName(cmd uint16) string {
	switch cmd {
	case CmdConnect:
		return "CONNECT"
	case CmdExit:
		return "EXIT"
	case CmdEnableDevice:
		return "ENABLE_DEVICE"
	case CmdDisableDevice:
		return "DISABLE_DEVICE"
	case CmdRefreshData:
		return "REFRESH_DATA"
	case CmdAuth:
		return "AUTH"
	case CmdGetFreeSizes:
		return "GET_FREE_SIZES"
	case CmdUserWRQ:
		return "USER_WRQ"
	case CmdUserTempRRQ:
		return "USERTEMP_RRQ"
	case CmdAttLogRRQ:
		return "ATTLOG_RRQ"
	case CmdStartEnroll:
		return "START_ENROLL"
	case CmdCancelCapture:
		return "CANCEL_CAPTURE"
	case CmdPrepareData:
		return "PREPARE_DATA"
	case CmdData:
		return "DATA"
	case CmdFreeData:
		return "FREE_DATA"
	case CmdDataWRRQ:
		return "DATA_WRRQ"
	case CmdDataRdy:
		return "DATA_RDY"
	case CmdAckOK:
		return "ACK_OK"
	case CmdAckError:
		return "ACK_ERROR"
	case CmdAckData:
		return "ACK_DATA"
	case CmdAckRetry:
		return "ACK_RETRY"
	case CmdAckRepeat:
		return "ACK_REPEAT"
	case CmdAckUnauth:
		return "ACK_UNAUTH"
	default:
		return "UNKNOWN"
	}
}
