package provider

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/longhorn/longhorn-devio/pkg/types"
)

// ReservationTable keeps the persistent reservation state of one provider.
// Channels are identified by their CurrentChannelKey; the key a channel
// registered is the reservation key it acts with. Every operation runs under
// one lock, so generations are strictly ordered.
type ReservationTable struct {
	lock sync.Mutex

	uniqueID      uuid.UUID
	generation    uint64
	registrations map[uint64]uint64

	reserved bool
	holder   uint64
	scope    types.ReservationScope
	resType  types.ReservationType
}

func NewReservationTable() *ReservationTable {
	return &ReservationTable{
		uniqueID:      uuid.New(),
		registrations: map[uint64]uint64{},
	}
}

func (t *ReservationTable) UniqueID() uuid.UUID {
	return t.uniqueID
}

// Execute runs one shared operation. The second return value carries the
// registered keys of a ReadKeys request.
func (t *ReservationTable) Execute(req *types.SharedRequest) (*types.SharedResponse, []uint64) {
	t.lock.Lock()
	defer t.lock.Unlock()

	var (
		result types.SharedResult
		keys   []uint64
	)
	switch req.Operation {
	case types.SharedGetUniqueID:
	case types.SharedReadKeys:
		keys = t.keys()
	case types.SharedRegister:
		result = t.register(req, true)
	case types.SharedRegisterIgnoreExisting:
		result = t.register(req, false)
	case types.SharedReserve:
		result = t.reserve(req)
	case types.SharedRelease:
		result = t.release(req)
	case types.SharedClearKeys:
		result = t.clear(req)
	case types.SharedPreempt:
		result = t.preempt(req)
	default:
		result = types.SharedInvalidParameter
	}
	if result != types.SharedNoError {
		logrus.Debugf("Shared operation %v from channel %x: %v", req.Operation, req.CurrentChannelKey, result)
	}
	return t.response(req.CurrentChannelKey, result), keys
}

func (t *ReservationTable) response(channel uint64, result types.SharedResult) *types.SharedResponse {
	resp := &types.SharedResponse{
		Result:     result,
		ChannelKey: t.registrations[channel],
		Generation: t.generation,
	}
	copy(resp.UniqueID[:], t.uniqueID[:])
	if t.reserved {
		resp.ReservationKey = t.registrations[t.holder]
		resp.ReservationScope = t.scope
		resp.ReservationType = t.resType
	}
	return resp
}

// keys lists the registered keys ordered by channel key.
func (t *ReservationTable) keys() []uint64 {
	channels := make([]uint64, 0, len(t.registrations))
	for ch := range t.registrations {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	keys := make([]uint64, len(channels))
	for i, ch := range channels {
		keys[i] = t.registrations[ch]
	}
	return keys
}

// authorized reports whether the channel is registered with the key it
// presents as existing.
func (t *ReservationTable) authorized(req *types.SharedRequest) bool {
	key, registered := t.registrations[req.CurrentChannelKey]
	return registered && key == req.ExistingReservationKey
}

func (t *ReservationTable) register(req *types.SharedRequest, checkExisting bool) types.SharedResult {
	ch := req.CurrentChannelKey
	current, registered := t.registrations[ch]
	if checkExisting {
		if !registered && req.ExistingReservationKey != 0 {
			return types.SharedReservationCollision
		}
		if registered && req.ExistingReservationKey != current {
			return types.SharedReservationCollision
		}
	}

	if req.OperationChannelKey == 0 {
		if !registered {
			return types.SharedNoError
		}
		delete(t.registrations, ch)
		if t.reserved && t.holder == ch {
			t.clearReservation()
		}
		t.generation++
		return types.SharedNoError
	}

	t.registrations[ch] = req.OperationChannelKey
	t.generation++
	return types.SharedNoError
}

func (t *ReservationTable) reserve(req *types.SharedRequest) types.SharedResult {
	if !t.authorized(req) {
		return types.SharedReservationCollision
	}
	if req.Scope != types.ScopeLogicalUnit || !req.Type.Valid() {
		return types.SharedInvalidParameter
	}
	if !t.reserved {
		t.reserved = true
		t.holder = req.CurrentChannelKey
		t.scope = req.Scope
		t.resType = req.Type
		t.generation++
		return types.SharedNoError
	}
	if t.holder == req.CurrentChannelKey && t.resType == req.Type {
		return types.SharedNoError
	}
	return types.SharedReservationCollision
}

func (t *ReservationTable) release(req *types.SharedRequest) types.SharedResult {
	if !t.authorized(req) {
		return types.SharedReservationCollision
	}
	if !t.reserved || t.holder != req.CurrentChannelKey {
		return types.SharedNoError
	}
	if t.resType != req.Type {
		return types.SharedInvalidParameter
	}
	t.clearReservation()
	t.generation++
	return types.SharedNoError
}

func (t *ReservationTable) clear(req *types.SharedRequest) types.SharedResult {
	if !t.authorized(req) {
		return types.SharedReservationCollision
	}
	t.registrations = map[uint64]uint64{}
	t.clearReservation()
	t.generation++
	return types.SharedNoError
}

func (t *ReservationTable) preempt(req *types.SharedRequest) types.SharedResult {
	if !t.authorized(req) {
		return types.SharedReservationCollision
	}
	target := req.OperationChannelKey
	if target == 0 {
		return types.SharedInvalidParameter
	}

	holderPreempted := t.reserved && t.registrations[t.holder] == target
	if holderPreempted && (req.Scope != types.ScopeLogicalUnit || !req.Type.Valid()) {
		return types.SharedInvalidParameter
	}

	for ch, key := range t.registrations {
		if key == target && ch != req.CurrentChannelKey {
			delete(t.registrations, ch)
		}
	}
	if holderPreempted {
		t.holder = req.CurrentChannelKey
		t.scope = req.Scope
		t.resType = req.Type
	}
	t.generation++
	return types.SharedNoError
}

func (t *ReservationTable) clearReservation() {
	t.reserved = false
	t.holder = 0
	t.scope = types.ScopeLogicalUnit
	t.resType = types.ReservationNone
}
