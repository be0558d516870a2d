package dataconn

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/longhorn/longhorn-devio/pkg/types"
)

// frameCodec walks a frame buffer field by field. All fields are little-endian.
type frameCodec struct {
	buf    []byte
	offset int
}

func newFrameCodec(buf []byte, size int, frame string) (*frameCodec, error) {
	if len(buf) < size {
		return nil, errors.Wrapf(types.ErrShortFrame, "%v frame needs %d bytes, got %d", frame, size, len(buf))
	}
	return &frameCodec{buf: buf}, nil
}

func (f *frameCodec) putUint64(v uint64) {
	binary.LittleEndian.PutUint64(f.buf[f.offset:], v)
	f.offset += fieldSize
}

func (f *frameCodec) uint64() uint64 {
	v := binary.LittleEndian.Uint64(f.buf[f.offset:])
	f.offset += fieldSize
	return v
}

func (f *frameCodec) putBytes(b []byte) {
	f.offset += copy(f.buf[f.offset:], b)
}

func (f *frameCodec) bytes(b []byte) {
	f.offset += copy(b, f.buf[f.offset:f.offset+len(b)])
}

func (f *frameCodec) expectOpcode(op Opcode) error {
	if got := Opcode(f.uint64()); got != op {
		return errors.Mark(errors.Newf("unexpected opcode %v in %v frame", got, op), types.ErrShortFrame)
	}
	return nil
}

// RequestSize returns the fixed size of the request frame for op, or 0 for an
// unknown opcode.
func RequestSize(op Opcode) int {
	switch op {
	case OpNull, OpInfo, OpClose:
		return RequestHeaderSize
	case OpRead:
		return ReadRequestSize
	case OpWrite:
		return WriteRequestSize
	case OpConnect:
		return ConnectRequestSize
	case OpUnmap, OpZero:
		return RangeRequestSize
	case OpSCSI:
		return SCSIRequestSize
	case OpShared:
		return SharedRequestSize
	}
	return 0
}

func PeekOpcode(buf []byte) (Opcode, error) {
	f, err := newFrameCodec(buf, RequestHeaderSize, "request")
	if err != nil {
		return OpNull, err
	}
	return Opcode(f.uint64()), nil
}

// EncodeRequestHeader writes a frame consisting only of the opcode, as used by
// NULL, INFO and CLOSE.
func EncodeRequestHeader(buf []byte, op Opcode) error {
	f, err := newFrameCodec(buf, RequestHeaderSize, op.String())
	if err != nil {
		return err
	}
	f.putUint64(uint64(op))
	return nil
}

func (r *InfoResponse) Encode(buf []byte) error {
	f, err := newFrameCodec(buf, InfoResponseSize, "INFO response")
	if err != nil {
		return err
	}
	f.putUint64(uint64(r.ErrorCode))
	f.putUint64(r.Size)
	f.putUint64(r.Alignment)
	f.putUint64(uint64(r.Flags))
	return nil
}

func (r *InfoResponse) Decode(buf []byte) error {
	f, err := newFrameCodec(buf, InfoResponseSize, "INFO response")
	if err != nil {
		return err
	}
	r.ErrorCode = ErrorCode(f.uint64())
	r.Size = f.uint64()
	r.Alignment = f.uint64()
	r.Flags = types.Flags(f.uint64())
	return nil
}

func (r *ReadRequest) Encode(buf []byte) error {
	f, err := newFrameCodec(buf, ReadRequestSize, "READ request")
	if err != nil {
		return err
	}
	f.putUint64(uint64(OpRead))
	f.putUint64(r.Offset)
	f.putUint64(r.Length)
	return nil
}

func (r *ReadRequest) Decode(buf []byte) error {
	f, err := newFrameCodec(buf, ReadRequestSize, "READ request")
	if err != nil {
		return err
	}
	if err := f.expectOpcode(OpRead); err != nil {
		return err
	}
	r.Offset = f.uint64()
	r.Length = f.uint64()
	return nil
}

func (r *ReadResponse) Encode(buf []byte) error {
	f, err := newFrameCodec(buf, ReadResponseSize, "READ response")
	if err != nil {
		return err
	}
	f.putUint64(uint64(r.ErrorCode))
	f.putUint64(r.Length)
	return nil
}

func (r *ReadResponse) Decode(buf []byte) error {
	f, err := newFrameCodec(buf, ReadResponseSize, "READ response")
	if err != nil {
		return err
	}
	r.ErrorCode = ErrorCode(f.uint64())
	r.Length = f.uint64()
	return nil
}

func (r *WriteRequest) Encode(buf []byte) error {
	f, err := newFrameCodec(buf, WriteRequestSize, "WRITE request")
	if err != nil {
		return err
	}
	f.putUint64(uint64(OpWrite))
	f.putUint64(r.Offset)
	f.putUint64(r.Length)
	return nil
}

func (r *WriteRequest) Decode(buf []byte) error {
	f, err := newFrameCodec(buf, WriteRequestSize, "WRITE request")
	if err != nil {
		return err
	}
	if err := f.expectOpcode(OpWrite); err != nil {
		return err
	}
	r.Offset = f.uint64()
	r.Length = f.uint64()
	return nil
}

func (r *WriteResponse) Encode(buf []byte) error {
	f, err := newFrameCodec(buf, WriteResponseSize, "WRITE response")
	if err != nil {
		return err
	}
	f.putUint64(uint64(r.ErrorCode))
	f.putUint64(r.Length)
	return nil
}

func (r *WriteResponse) Decode(buf []byte) error {
	f, err := newFrameCodec(buf, WriteResponseSize, "WRITE response")
	if err != nil {
		return err
	}
	r.ErrorCode = ErrorCode(f.uint64())
	r.Length = f.uint64()
	return nil
}

func (r *ConnectRequest) Encode(buf []byte) error {
	f, err := newFrameCodec(buf, ConnectRequestSize, "CONNECT request")
	if err != nil {
		return err
	}
	f.putUint64(uint64(OpConnect))
	f.putUint64(r.Flags)
	f.putUint64(r.Length)
	return nil
}

func (r *ConnectRequest) Decode(buf []byte) error {
	f, err := newFrameCodec(buf, ConnectRequestSize, "CONNECT request")
	if err != nil {
		return err
	}
	if err := f.expectOpcode(OpConnect); err != nil {
		return err
	}
	r.Flags = f.uint64()
	r.Length = f.uint64()
	return nil
}

func (r *ConnectResponse) Encode(buf []byte) error {
	f, err := newFrameCodec(buf, ConnectResponseSize, "CONNECT response")
	if err != nil {
		return err
	}
	f.putUint64(uint64(r.ErrorCode))
	f.putUint64(r.ObjectID)
	return nil
}

func (r *ConnectResponse) Decode(buf []byte) error {
	f, err := newFrameCodec(buf, ConnectResponseSize, "CONNECT response")
	if err != nil {
		return err
	}
	r.ErrorCode = ErrorCode(f.uint64())
	r.ObjectID = f.uint64()
	return nil
}

func (r *RangeRequest) Encode(buf []byte) error {
	if r.Opcode != OpUnmap && r.Opcode != OpZero {
		return errors.Wrapf(types.ErrInvalidArgument, "opcode %v does not carry ranges", r.Opcode)
	}
	f, err := newFrameCodec(buf, RangeRequestSize, r.Opcode.String()+" request")
	if err != nil {
		return err
	}
	f.putUint64(uint64(r.Opcode))
	f.putUint64(r.Length)
	return nil
}

func (r *RangeRequest) Decode(buf []byte) error {
	f, err := newFrameCodec(buf, RangeRequestSize, "range request")
	if err != nil {
		return err
	}
	r.Opcode = Opcode(f.uint64())
	if r.Opcode != OpUnmap && r.Opcode != OpZero {
		return errors.Mark(errors.Newf("unexpected opcode %v in range request frame", r.Opcode), types.ErrShortFrame)
	}
	r.Length = f.uint64()
	return nil
}

func (r *RangeResponse) Encode(buf []byte) error {
	f, err := newFrameCodec(buf, RangeResponseSize, "range response")
	if err != nil {
		return err
	}
	f.putUint64(uint64(r.ErrorCode))
	return nil
}

func (r *RangeResponse) Decode(buf []byte) error {
	f, err := newFrameCodec(buf, RangeResponseSize, "range response")
	if err != nil {
		return err
	}
	r.ErrorCode = ErrorCode(f.uint64())
	return nil
}

// EncodeRanges writes the extent list that follows an UNMAP or ZERO request.
func EncodeRanges(buf []byte, ranges []types.Range) error {
	f, err := newFrameCodec(buf, len(ranges)*RangeSize, "range list")
	if err != nil {
		return err
	}
	for _, r := range ranges {
		if r.Offset < 0 || r.Length < 0 {
			return types.InvalidArgumentf("negative range %+v", r)
		}
		f.putUint64(uint64(r.Offset))
		f.putUint64(uint64(r.Length))
	}
	return nil
}

func DecodeRanges(buf []byte) ([]types.Range, error) {
	if len(buf)%RangeSize != 0 {
		return nil, errors.Wrapf(types.ErrShortFrame, "range list of %d bytes is not a multiple of %d", len(buf), RangeSize)
	}
	f := &frameCodec{buf: buf}
	ranges := make([]types.Range, len(buf)/RangeSize)
	for i := range ranges {
		ranges[i].Offset = int64(f.uint64())
		ranges[i].Length = int64(f.uint64())
	}
	return ranges, nil
}

func (r *SCSIRequest) Encode(buf []byte) error {
	f, err := newFrameCodec(buf, SCSIRequestSize, "SCSI request")
	if err != nil {
		return err
	}
	f.putUint64(uint64(OpSCSI))
	f.putBytes(r.CDB[:])
	f.putUint64(r.RequestLength)
	f.putUint64(r.MaxResponseLength)
	return nil
}

func (r *SCSIRequest) Decode(buf []byte) error {
	f, err := newFrameCodec(buf, SCSIRequestSize, "SCSI request")
	if err != nil {
		return err
	}
	if err := f.expectOpcode(OpSCSI); err != nil {
		return err
	}
	f.bytes(r.CDB[:])
	r.RequestLength = f.uint64()
	r.MaxResponseLength = f.uint64()
	return nil
}

func (r *SCSIResponse) Encode(buf []byte) error {
	f, err := newFrameCodec(buf, SCSIResponseSize, "SCSI response")
	if err != nil {
		return err
	}
	f.putUint64(uint64(r.ErrorCode))
	f.putUint64(r.Length)
	return nil
}

func (r *SCSIResponse) Decode(buf []byte) error {
	f, err := newFrameCodec(buf, SCSIResponseSize, "SCSI response")
	if err != nil {
		return err
	}
	r.ErrorCode = ErrorCode(f.uint64())
	r.Length = f.uint64()
	return nil
}

func EncodeSharedRequest(buf []byte, r *types.SharedRequest) error {
	f, err := newFrameCodec(buf, SharedRequestSize, "SHARED request")
	if err != nil {
		return err
	}
	f.putUint64(uint64(OpShared))
	f.putUint64(uint64(r.Operation))
	f.putUint64(uint64(r.Scope))
	f.putUint64(uint64(r.Type))
	f.putUint64(r.ExistingReservationKey)
	f.putUint64(r.CurrentChannelKey)
	f.putUint64(r.OperationChannelKey)
	return nil
}

func DecodeSharedRequest(buf []byte) (*types.SharedRequest, error) {
	f, err := newFrameCodec(buf, SharedRequestSize, "SHARED request")
	if err != nil {
		return nil, err
	}
	if err := f.expectOpcode(OpShared); err != nil {
		return nil, err
	}
	return &types.SharedRequest{
		Operation:              types.SharedOperation(f.uint64()),
		Scope:                  types.ReservationScope(f.uint64()),
		Type:                   types.ReservationType(f.uint64()),
		ExistingReservationKey: f.uint64(),
		CurrentChannelKey:      f.uint64(),
		OperationChannelKey:    f.uint64(),
	}, nil
}

func (r *SharedResponse) Encode(buf []byte) error {
	f, err := newFrameCodec(buf, SharedResponseSize, "SHARED response")
	if err != nil {
		return err
	}
	f.putUint64(uint64(r.Result))
	f.putBytes(r.UniqueID[:])
	f.putUint64(r.ChannelKey)
	f.putUint64(r.Generation)
	f.putUint64(r.ReservationKey)
	f.putUint64(uint64(r.ReservationScope))
	f.putUint64(uint64(r.ReservationType))
	f.putUint64(r.KeyCount)
	return nil
}

func (r *SharedResponse) Decode(buf []byte) error {
	f, err := newFrameCodec(buf, SharedResponseSize, "SHARED response")
	if err != nil {
		return err
	}
	r.Result = types.SharedResult(f.uint64())
	f.bytes(r.UniqueID[:])
	r.ChannelKey = f.uint64()
	r.Generation = f.uint64()
	r.ReservationKey = f.uint64()
	r.ReservationScope = types.ReservationScope(f.uint64())
	r.ReservationType = types.ReservationType(f.uint64())
	r.KeyCount = f.uint64()
	return nil
}

func EncodeKeys(buf []byte, keys []uint64) error {
	f, err := newFrameCodec(buf, len(keys)*fieldSize, "key list")
	if err != nil {
		return err
	}
	for _, key := range keys {
		f.putUint64(key)
	}
	return nil
}

func DecodeKeys(buf []byte, count int) ([]uint64, error) {
	f, err := newFrameCodec(buf, count*fieldSize, "key list")
	if err != nil {
		return nil, err
	}
	keys := make([]uint64, count)
	for i := range keys {
		keys[i] = f.uint64()
	}
	return keys, nil
}

// EncodeNullResponse answers a NULL request.
func EncodeNullResponse(buf []byte, code ErrorCode) error {
	f, err := newFrameCodec(buf, NullResponseSize, "NULL response")
	if err != nil {
		return err
	}
	f.putUint64(uint64(code))
	return nil
}

func DecodeNullResponse(buf []byte) (ErrorCode, error) {
	f, err := newFrameCodec(buf, NullResponseSize, "NULL response")
	if err != nil {
		return 0, err
	}
	return ErrorCode(f.uint64()), nil
}
