package domain

import (
	"sort"
	"strings"
	"time"
)

type ParticipantID string

// RoomID identifies one call's signaling record. It is derived from the two
// participant ids and is independent of which side derives it.
type RoomID string

// DeriveRoomID returns the canonical room id for a pair of participants:
// the sorted ids joined with "_". DeriveRoomID(a, b) == DeriveRoomID(b, a).
func DeriveRoomID(a, b ParticipantID) RoomID {
	ids := []string{string(a), string(b)}
	sort.Strings(ids)
	return RoomID(strings.Join(ids, "_"))
}

// Role decides which side of the offer/answer handshake a session drives.
type Role int

const (
	RoleInitiator Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "receiver"
}

// CallState is the lifecycle of one session. Ended and Failed are terminal:
// a new call for the same pair requires a fresh session.
type CallState int

const (
	StateIdle CallState = iota
	StateOutgoing
	StateIncoming
	StateConnecting
	StateConnected
	StateEnded
	StateFailed
)

func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoing:
		return "outgoing"
	case StateIncoming:
		return "incoming"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s CallState) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// SignalingRecord is the shared document stored under a RoomID. The offer is
// written by the initiator when the record is created; the answer is merged
// in by the receiver. Both payloads are opaque serialized descriptions.
type SignalingRecord struct {
	Offer     string    `json:"offer,omitempty"`
	Answer    string    `json:"answer,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// RecordSnapshot is one observed state of a signaling record. Subscribers
// receive every observed state, including echoes of their own writes;
// HasPendingWrites marks those echoes so they can be filtered out.
type RecordSnapshot struct {
	RoomID           RoomID
	Record           SignalingRecord
	HasPendingWrites bool
	Removed          bool
}

// TrackKind distinguishes the two captured track types.
type TrackKind int

const (
	TrackAudio TrackKind = iota
	TrackVideo
)

func (k TrackKind) String() string {
	if k == TrackAudio {
		return "audio"
	}
	return "video"
}

// MediaConstraints is the fixed capture request for a call. No bitrate or
// resolution negotiation is exposed beyond these.
type MediaConstraints struct {
	Audio bool
	Video bool
}

// IncomingCall is the ring payload raised when a non-self offer appears in a
// watched room. It carries the peer's display identity for the notification
// layer and the offer the receiver will answer if the call is accepted.
type IncomingCall struct {
	RoomID      RoomID
	Peer        ParticipantID
	DisplayName string
	Offer       string
}
