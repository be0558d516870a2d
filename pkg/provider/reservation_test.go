package provider

import (
	"github.com/longhorn/longhorn-devio/pkg/types"

	. "gopkg.in/check.v1"
)

const (
	channelA = uint64(0xa)
	channelB = uint64(0xb)
	keyA     = uint64(0x1111)
	keyB     = uint64(0x2222)
)

func register(t *ReservationTable, channel, existing, key uint64) types.SharedResult {
	resp, _ := t.Execute(&types.SharedRequest{
		Operation:              types.SharedRegister,
		CurrentChannelKey:      channel,
		ExistingReservationKey: existing,
		OperationChannelKey:    key,
	})
	return resp.Result
}

func reserve(t *ReservationTable, channel, key uint64, resType types.ReservationType) *types.SharedResponse {
	resp, _ := t.Execute(&types.SharedRequest{
		Operation:              types.SharedReserve,
		CurrentChannelKey:      channel,
		ExistingReservationKey: key,
		Type:                   resType,
	})
	return resp
}

func (s *TestSuite) TestReservationRegister(c *C) {
	t := NewReservationTable()

	resp, _ := t.Execute(&types.SharedRequest{Operation: types.SharedGetUniqueID})
	c.Assert(resp.Result, Equals, types.SharedNoError)
	id := t.UniqueID()
	c.Assert(resp.UniqueID[:], DeepEquals, id[:])
	c.Assert(resp.Generation, Equals, uint64(0))

	// An unregistered channel must not present an existing key.
	c.Assert(register(t, channelA, keyB, keyA), Equals, types.SharedReservationCollision)
	c.Assert(register(t, channelA, 0, keyA), Equals, types.SharedNoError)
	// A registered channel must present its own key.
	c.Assert(register(t, channelA, 0, keyB), Equals, types.SharedReservationCollision)
	c.Assert(register(t, channelA, keyA, keyB), Equals, types.SharedNoError)
	c.Assert(register(t, channelB, 0, keyA), Equals, types.SharedNoError)

	resp, keys := t.Execute(&types.SharedRequest{Operation: types.SharedReadKeys, CurrentChannelKey: channelA})
	c.Assert(resp.Result, Equals, types.SharedNoError)
	c.Assert(resp.ChannelKey, Equals, keyB)
	c.Assert(resp.Generation, Equals, uint64(3))
	c.Assert(keys, DeepEquals, []uint64{keyB, keyA})

	resp, _ = t.Execute(&types.SharedRequest{
		Operation:           types.SharedRegisterIgnoreExisting,
		CurrentChannelKey:   channelB,
		OperationChannelKey: 0,
	})
	c.Assert(resp.Result, Equals, types.SharedNoError)
	c.Assert(resp.Generation, Equals, uint64(4))
	_, keys = t.Execute(&types.SharedRequest{Operation: types.SharedReadKeys})
	c.Assert(keys, DeepEquals, []uint64{keyB})
}

func (s *TestSuite) TestReservationCollision(c *C) {
	t := NewReservationTable()
	c.Assert(register(t, channelA, 0, keyA), Equals, types.SharedNoError)
	c.Assert(register(t, channelB, 0, keyB), Equals, types.SharedNoError)

	resp := reserve(t, channelA, keyA, types.ReservationWriteExclusive)
	c.Assert(resp.Result, Equals, types.SharedNoError)
	c.Assert(resp.ReservationKey, Equals, keyA)
	c.Assert(resp.ReservationType, Equals, types.ReservationWriteExclusive)
	generation := resp.Generation

	resp = reserve(t, channelB, keyB, types.ReservationExclusiveAccess)
	c.Assert(resp.Result, Equals, types.SharedReservationCollision)
	c.Assert(resp.ReservationKey, Equals, keyA)
	c.Assert(resp.ReservationType, Equals, types.ReservationWriteExclusive)
	c.Assert(resp.Generation, Equals, generation)

	// Same holder and type is a no-op, another type collides.
	resp = reserve(t, channelA, keyA, types.ReservationWriteExclusive)
	c.Assert(resp.Result, Equals, types.SharedNoError)
	c.Assert(resp.Generation, Equals, generation)
	resp = reserve(t, channelA, keyA, types.ReservationExclusiveAccess)
	c.Assert(resp.Result, Equals, types.SharedReservationCollision)

	// Unregistered channels and wrong keys collide.
	c.Assert(reserve(t, 0xc, 0, types.ReservationWriteExclusive).Result, Equals, types.SharedReservationCollision)
	c.Assert(reserve(t, channelB, keyA, types.ReservationWriteExclusive).Result, Equals, types.SharedReservationCollision)
	c.Assert(reserve(t, channelB, keyB, types.ReservationType(2)).Result, Equals, types.SharedInvalidParameter)
}

func (s *TestSuite) TestReservationRelease(c *C) {
	t := NewReservationTable()
	c.Assert(register(t, channelA, 0, keyA), Equals, types.SharedNoError)
	c.Assert(register(t, channelB, 0, keyB), Equals, types.SharedNoError)
	c.Assert(reserve(t, channelA, keyA, types.ReservationExclusiveAccess).Result, Equals, types.SharedNoError)

	release := func(channel, key uint64, resType types.ReservationType) *types.SharedResponse {
		resp, _ := t.Execute(&types.SharedRequest{
			Operation:              types.SharedRelease,
			CurrentChannelKey:      channel,
			ExistingReservationKey: key,
			Type:                   resType,
		})
		return resp
	}

	// A non-holder succeeds without changing anything.
	resp := release(channelB, keyB, types.ReservationExclusiveAccess)
	c.Assert(resp.Result, Equals, types.SharedNoError)
	c.Assert(resp.ReservationKey, Equals, keyA)

	resp = release(channelA, keyA, types.ReservationWriteExclusive)
	c.Assert(resp.Result, Equals, types.SharedInvalidParameter)
	c.Assert(resp.ReservationKey, Equals, keyA)

	resp = release(channelA, keyA, types.ReservationExclusiveAccess)
	c.Assert(resp.Result, Equals, types.SharedNoError)
	c.Assert(resp.ReservationKey, Equals, uint64(0))
	c.Assert(resp.ReservationType, Equals, types.ReservationNone)

	c.Assert(reserve(t, channelB, keyB, types.ReservationWriteExclusive).Result, Equals, types.SharedNoError)

	// Unregistering the holder drops the reservation.
	c.Assert(register(t, channelB, keyB, 0), Equals, types.SharedNoError)
	resp, _ = t.Execute(&types.SharedRequest{Operation: types.SharedReadKeys})
	c.Assert(resp.ReservationType, Equals, types.ReservationNone)
}

func (s *TestSuite) TestReservationPreemptAndClear(c *C) {
	t := NewReservationTable()
	c.Assert(register(t, channelA, 0, keyA), Equals, types.SharedNoError)
	c.Assert(register(t, channelB, 0, keyB), Equals, types.SharedNoError)
	c.Assert(reserve(t, channelA, keyA, types.ReservationWriteExclusive).Result, Equals, types.SharedNoError)

	preempt := func(key uint64) *types.SharedResponse {
		resp, _ := t.Execute(&types.SharedRequest{
			Operation:              types.SharedPreempt,
			CurrentChannelKey:      channelB,
			ExistingReservationKey: keyB,
			OperationChannelKey:    key,
			Type:                   types.ReservationExclusiveAccess,
		})
		return resp
	}
	c.Assert(preempt(0).Result, Equals, types.SharedInvalidParameter)

	resp := preempt(keyA)
	c.Assert(resp.Result, Equals, types.SharedNoError)
	c.Assert(resp.ReservationKey, Equals, keyB)
	c.Assert(resp.ReservationType, Equals, types.ReservationExclusiveAccess)
	_, keys := t.Execute(&types.SharedRequest{Operation: types.SharedReadKeys})
	c.Assert(keys, DeepEquals, []uint64{keyB})

	// The preempted channel is no longer registered.
	c.Assert(reserve(t, channelA, keyA, types.ReservationWriteExclusive).Result, Equals, types.SharedReservationCollision)

	resp, _ = t.Execute(&types.SharedRequest{
		Operation:              types.SharedClearKeys,
		CurrentChannelKey:      channelB,
		ExistingReservationKey: keyB,
	})
	c.Assert(resp.Result, Equals, types.SharedNoError)
	c.Assert(resp.ChannelKey, Equals, uint64(0))
	c.Assert(resp.ReservationType, Equals, types.ReservationNone)
	_, keys = t.Execute(&types.SharedRequest{Operation: types.SharedReadKeys})
	c.Assert(keys, HasLen, 0)
}
