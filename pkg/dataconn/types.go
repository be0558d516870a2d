package dataconn

import (
	"github.com/longhorn/longhorn-devio/pkg/types"
)

// Opcode is the first field of every request frame.
type Opcode uint64

const (
	OpNull Opcode = iota
	OpInfo
	OpRead
	OpWrite
	OpConnect
	OpClose
	OpUnmap
	OpZero
	OpSCSI
	OpShared
)

func (op Opcode) String() string {
	switch op {
	case OpNull:
		return "NULL"
	case OpInfo:
		return "INFO"
	case OpRead:
		return "READ"
	case OpWrite:
		return "WRITE"
	case OpConnect:
		return "CONNECT"
	case OpClose:
		return "CLOSE"
	case OpUnmap:
		return "UNMAP"
	case OpZero:
		return "ZERO"
	case OpSCSI:
		return "SCSI"
	case OpShared:
		return "SHARED"
	}
	return "UNKNOWN"
}

// ErrorCode is the first field of every response frame. The values are Linux
// errno numbers frozen as wire constants.
type ErrorCode uint64

const (
	ErrorCodeNone         ErrorCode = 0
	ErrorCodeIO           ErrorCode = 5
	ErrorCodeNoDevice     ErrorCode = 19
	ErrorCodeInvalid      ErrorCode = 22
	ErrorCodeReadOnly     ErrorCode = 30
	ErrorCodeNotSupported ErrorCode = 95
)

const (
	fieldSize = 8

	RequestHeaderSize   = fieldSize
	InfoResponseSize    = 4 * fieldSize
	ReadRequestSize     = 3 * fieldSize
	ReadResponseSize    = 2 * fieldSize
	WriteRequestSize    = 3 * fieldSize
	WriteResponseSize   = 2 * fieldSize
	ConnectRequestSize  = 3 * fieldSize
	ConnectResponseSize = 2 * fieldSize
	RangeRequestSize    = 2 * fieldSize
	RangeResponseSize   = fieldSize
	RangeSize           = 2 * fieldSize
	SCSIRequestSize     = fieldSize + 16 + 2*fieldSize
	SCSIResponseSize    = 2 * fieldSize
	SharedRequestSize   = 7 * fieldSize
	SharedResponseSize  = fieldSize + 16 + 6*fieldSize
	NullResponseSize    = fieldSize

	// MaxFrameSize is the largest fixed-size frame. The shared memory header
	// area is a whole page, well above it.
	MaxFrameSize = SharedResponseSize

	// MaxExportNameLength bounds the CONNECT payload.
	MaxExportNameLength = 4096
	// MaxRanges bounds the number of extents of an UNMAP or ZERO request.
	MaxRanges = 4096
	// MaxSharedKeys bounds the key list trailing a SHARED response.
	MaxSharedKeys = 65536
)

type InfoResponse struct {
	ErrorCode ErrorCode
	Size      uint64
	Alignment uint64
	Flags     types.Flags
}

type ReadRequest struct {
	Offset uint64
	Length uint64
}

type ReadResponse struct {
	ErrorCode ErrorCode
	Length    uint64
}

type WriteRequest struct {
	Offset uint64
	Length uint64
}

type WriteResponse struct {
	ErrorCode ErrorCode
	Length    uint64
}

type ConnectRequest struct {
	Flags  uint64
	Length uint64
}

type ConnectResponse struct {
	ErrorCode ErrorCode
	ObjectID  uint64
}

// RangeRequest heads UNMAP and ZERO requests. Length is the byte length of the
// trailing extent list.
type RangeRequest struct {
	Opcode Opcode
	Length uint64
}

type RangeResponse struct {
	ErrorCode ErrorCode
}

type SCSIRequest struct {
	CDB               [16]byte
	RequestLength     uint64
	MaxResponseLength uint64
}

type SCSIResponse struct {
	ErrorCode ErrorCode
	Length    uint64
}

// SharedResponse is the fixed part of a SHARED response; KeyCount keys follow.
// Its error code is the in-band shared result.
type SharedResponse struct {
	types.SharedResponse
	KeyCount uint64
}
