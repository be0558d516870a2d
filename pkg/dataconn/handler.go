package dataconn

import (
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/longhorn/longhorn-devio/pkg/types"
	"github.com/longhorn/longhorn-devio/pkg/util"
)

// Handler executes decoded requests against a provider. It knows nothing about
// framing, so the TCP and shared memory servers both drive it.
type Handler struct {
	provider types.Provider
	flags    types.Flags
}

func NewHandler(provider types.Provider) *Handler {
	return &Handler{
		provider: provider,
		flags:    types.FlagsFor(provider),
	}
}

func (h *Handler) Provider() types.Provider {
	return h.provider
}

func (h *Handler) Flags() types.Flags {
	return h.flags
}

func (h *Handler) Info() InfoResponse {
	return InfoResponse{
		ErrorCode: ErrorCodeNone,
		Size:      uint64(h.provider.Length()),
		Alignment: uint64(h.provider.SectorSize()),
		Flags:     h.flags,
	}
}

// Read fills buf, which must hold at least req.Length bytes.
func (h *Handler) Read(req *ReadRequest, buf []byte) ReadResponse {
	if req.Length > uint64(len(buf)) || int64(req.Offset) < 0 {
		return ReadResponse{ErrorCode: ErrorCodeInvalid}
	}
	n, err := h.provider.ReadAt(buf[:req.Length], int64(req.Offset))
	if err != nil {
		logrus.WithError(err).Debugf("Failed to read %d bytes at %d", req.Length, req.Offset)
		return ReadResponse{ErrorCode: ErrorCodeFor(err)}
	}
	return ReadResponse{Length: uint64(n)}
}

// Write stores payload. A payload of zeros that lies inside the device turns
// into a zeroing call when the provider can do that without the data. Zeros
// reaching past the end go through WriteAt so the provider grows or refuses.
func (h *Handler) Write(req *WriteRequest, payload []byte) WriteResponse {
	if req.Length != uint64(len(payload)) || int64(req.Offset) < 0 {
		return WriteResponse{ErrorCode: ErrorCodeInvalid}
	}
	if h.flags.ReadOnly() {
		return WriteResponse{ErrorCode: ErrorCodeReadOnly}
	}
	end := int64(req.Offset) + int64(len(payload))
	if zeroer, ok := h.provider.(types.ZeroerAt); ok && len(payload) > 0 && end <= h.provider.Length() && util.IsZero(payload) {
		if err := zeroer.ZeroAt(int64(req.Offset), int64(len(payload))); err != nil {
			logrus.WithError(err).Debugf("Failed to zero %d bytes at %d", len(payload), req.Offset)
			return WriteResponse{ErrorCode: ErrorCodeFor(err)}
		}
		return WriteResponse{Length: req.Length}
	}
	n, err := h.provider.WriteAt(payload, int64(req.Offset))
	if err != nil {
		logrus.WithError(err).Debugf("Failed to write %d bytes at %d", len(payload), req.Offset)
		return WriteResponse{ErrorCode: ErrorCodeFor(err), Length: uint64(n)}
	}
	return WriteResponse{Length: uint64(n)}
}

// Ranges executes an UNMAP or ZERO request.
func (h *Handler) Ranges(op Opcode, ranges []types.Range) RangeResponse {
	if h.flags.ReadOnly() {
		return RangeResponse{ErrorCode: ErrorCodeReadOnly}
	}
	switch op {
	case OpUnmap:
		unmapper, ok := h.provider.(types.UnmapperAt)
		if !ok {
			return RangeResponse{ErrorCode: ErrorCodeNotSupported}
		}
		for _, r := range ranges {
			if err := unmapRange(unmapper, r); err != nil {
				logrus.WithError(err).Debugf("Failed to unmap %+v", r)
				return RangeResponse{ErrorCode: ErrorCodeFor(err)}
			}
		}
	case OpZero:
		zeroer, ok := h.provider.(types.ZeroerAt)
		if !ok {
			return RangeResponse{ErrorCode: ErrorCodeNotSupported}
		}
		for _, r := range ranges {
			if r.Offset < 0 || r.Length < 0 {
				return RangeResponse{ErrorCode: ErrorCodeInvalid}
			}
			if err := zeroer.ZeroAt(r.Offset, r.Length); err != nil {
				logrus.WithError(err).Debugf("Failed to zero %+v", r)
				return RangeResponse{ErrorCode: ErrorCodeFor(err)}
			}
		}
	default:
		return RangeResponse{ErrorCode: ErrorCodeInvalid}
	}
	return RangeResponse{}
}

// unmapRange splits r into pieces the uint32 length of UnmapAt can carry.
func unmapRange(unmapper types.UnmapperAt, r types.Range) error {
	if r.Offset < 0 || r.Length < 0 {
		return types.InvalidArgumentf("negative unmap range %+v", r)
	}
	const maxChunk = 1 << 30
	for r.Length > 0 {
		chunk := r.Length
		if chunk > maxChunk {
			chunk = maxChunk
		}
		if _, err := unmapper.UnmapAt(uint32(chunk), r.Offset); err != nil {
			return err
		}
		r.Offset += chunk
		r.Length -= chunk
	}
	return nil
}

// SCSI passes a command through. The response data is truncated to the length
// the client accepts.
func (h *Handler) SCSI(req *SCSIRequest, in []byte) (SCSIResponse, []byte) {
	executor, ok := h.provider.(types.SCSIExecutor)
	if !ok {
		return SCSIResponse{ErrorCode: ErrorCodeNotSupported}, nil
	}
	out, err := executor.ExecuteSCSI(req.CDB, in, int(req.MaxResponseLength))
	if err != nil {
		logrus.WithError(err).Debugf("Failed to execute SCSI command 0x%02x", req.CDB[0])
		return SCSIResponse{ErrorCode: ErrorCodeFor(err)}, nil
	}
	if uint64(len(out)) > req.MaxResponseLength {
		out = out[:req.MaxResponseLength]
	}
	return SCSIResponse{Length: uint64(len(out))}, out
}

func (h *Handler) Shared(req *types.SharedRequest) (SharedResponse, []uint64) {
	if !h.flags.SupportsShared() {
		return SharedResponse{SharedResponse: types.SharedResponse{Result: types.SharedInvalidParameter}}, nil
	}
	resp, keys := h.provider.SharedKeys(req)
	if resp == nil {
		return SharedResponse{SharedResponse: types.SharedResponse{Result: types.SharedIOError}}, nil
	}
	if len(keys) > MaxSharedKeys {
		keys = keys[:MaxSharedKeys]
	}
	return SharedResponse{SharedResponse: *resp, KeyCount: uint64(len(keys))}, keys
}

// ErrorCodeFor maps a provider error onto the wire error code.
func ErrorCodeFor(err error) ErrorCode {
	switch {
	case err == nil:
		return ErrorCodeNone
	case errors.Is(err, types.ErrPermissionDenied):
		return ErrorCodeReadOnly
	case errors.Is(err, types.ErrNotSupported):
		return ErrorCodeNotSupported
	case errors.Is(err, types.ErrInvalidArgument):
		return ErrorCodeInvalid
	}
	return ErrorCodeIO
}

// RemoteError turns a non-zero response code into the client side error.
func RemoteError(op Opcode, code ErrorCode) error {
	if code == ErrorCodeNone {
		return nil
	}
	err := error(&types.RemoteIOError{Op: op.String(), Code: uint64(code)})
	switch code {
	case ErrorCodeReadOnly:
		err = errors.Mark(err, types.ErrPermissionDenied)
	case ErrorCodeNotSupported:
		err = errors.Mark(err, types.ErrNotSupported)
	case ErrorCodeInvalid:
		err = errors.Mark(err, types.ErrInvalidArgument)
	}
	return err
}
