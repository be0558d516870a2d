package types

// SharedOperation selects a persistent-reservation sub-operation.
type SharedOperation uint64

const (
	SharedGetUniqueID SharedOperation = iota
	SharedReadKeys
	SharedRegister
	SharedClearKeys
	SharedReserve
	SharedRelease
	SharedPreempt
	SharedRegisterIgnoreExisting
)

func (op SharedOperation) String() string {
	switch op {
	case SharedGetUniqueID:
		return "GetUniqueId"
	case SharedReadKeys:
		return "ReadKeys"
	case SharedRegister:
		return "Register"
	case SharedClearKeys:
		return "ClearKeys"
	case SharedReserve:
		return "Reserve"
	case SharedRelease:
		return "Release"
	case SharedPreempt:
		return "Preempt"
	case SharedRegisterIgnoreExisting:
		return "RegisterIgnoreExisting"
	}
	return "Unknown"
}

// SharedResult is the in-band outcome of a shared operation.
type SharedResult uint64

const (
	SharedNoError SharedResult = iota
	SharedReservationCollision
	SharedInvalidParameter
	SharedIOError
)

func (r SharedResult) String() string {
	switch r {
	case SharedNoError:
		return "NoError"
	case SharedReservationCollision:
		return "ReservationCollision"
	case SharedInvalidParameter:
		return "InvalidParameter"
	case SharedIOError:
		return "IOError"
	}
	return "Unknown"
}

type ReservationScope uint64

const (
	ScopeLogicalUnit ReservationScope = 0
)

// ReservationType follows the SCSI-3 persistent reservation type codes.
type ReservationType uint64

const (
	ReservationNone                           ReservationType = 0
	ReservationWriteExclusive                 ReservationType = 1
	ReservationExclusiveAccess                ReservationType = 3
	ReservationWriteExclusiveRegistrantsOnly  ReservationType = 5
	ReservationExclusiveAccessRegistrantsOnly ReservationType = 6
	ReservationWriteExclusiveAllRegistrants   ReservationType = 7
	ReservationExclusiveAccessAllRegistrants  ReservationType = 8
)

func (t ReservationType) Valid() bool {
	switch t {
	case ReservationWriteExclusive, ReservationExclusiveAccess,
		ReservationWriteExclusiveRegistrantsOnly, ReservationExclusiveAccessRegistrantsOnly,
		ReservationWriteExclusiveAllRegistrants, ReservationExclusiveAccessAllRegistrants:
		return true
	}
	return false
}

type SharedRequest struct {
	Operation              SharedOperation
	Scope                  ReservationScope
	Type                   ReservationType
	ExistingReservationKey uint64
	CurrentChannelKey      uint64
	OperationChannelKey    uint64
}

type SharedResponse struct {
	Result           SharedResult
	UniqueID         [16]byte
	ChannelKey       uint64
	Generation       uint64
	ReservationKey   uint64
	ReservationScope ReservationScope
	ReservationType  ReservationType
}
