package domain

import "errors"

var (
	// ErrRecordExists is returned by Create when a signaling record is
	// already present for the room, the glare collision outcome.
	ErrRecordExists = errors.New("signaling record already exists")

	// ErrRecordNotFound is returned when an operation targets a room whose
	// record does not exist, e.g. an answer written after the initiator
	// already cancelled.
	ErrRecordNotFound = errors.New("signaling record not found")

	ErrDeviceUnavailable = errors.New("media device unavailable")
	ErrChannelWrite      = errors.New("signaling channel write failed")
	ErrNegotiationFailed = errors.New("connection negotiation failed")

	// ErrInvalidTransition is returned when an operation is called from a
	// state that does not admit it.
	ErrInvalidTransition = errors.New("invalid call state transition")
)
