// Package packets defines the framing and payloads exchanged between the
// server and game clients while a session is being established.
package packets

import "fmt"

// PacketHeader is the bitfield that leads every frame.
type PacketHeader uint8

const (
	IsCompressed PacketHeader = 1 << iota
	IsConnectionInitializationStep
	IsDisconnectMessage
	IsServerMessage
	IsHeartbeatMessage
	IsFragment
)

const knownHeaderBits = IsCompressed | IsConnectionInitializationStep | IsDisconnectMessage |
	IsServerMessage | IsHeartbeatMessage | IsFragment

func (h PacketHeader) Has(flag PacketHeader) bool { return h&flag != 0 }

// ConnectionInitialization identifies a step of the connection handshake.
type ConnectionInitialization uint8

const (
	Success ConnectionInitialization = iota
	AuthInfoAndVersion
	ContentPackageOrder
	Password
)

// Order returns the position of the step within the handshake. Steps are
// only ever entered in increasing order.
func (s ConnectionInitialization) Order() int {
	switch s {
	case AuthInfoAndVersion:
		return 0
	case Password:
		return 1
	case ContentPackageOrder:
		return 2
	case Success:
		return 3
	}
	return -1
}

func (s ConnectionInitialization) Valid() bool { return s.Order() >= 0 }

func (s ConnectionInitialization) String() string {
	switch s {
	case Success:
		return "Success"
	case AuthInfoAndVersion:
		return "AuthInfoAndVersion"
	case ContentPackageOrder:
		return "ContentPackageOrder"
	case Password:
		return "Password"
	}
	return fmt.Sprintf("ConnectionInitialization(%d)", uint8(s))
}

// DisconnectReason is sent to a client whenever the server closes its connection.
type DisconnectReason uint8

const (
	ReasonUnknown DisconnectReason = iota
	ReasonDisconnected
	ReasonBanned
	ReasonKicked
	ReasonServerShutdown
	ReasonServerFull
	ReasonAuthenticationRequired
	ReasonAuthenticationFailed
	ReasonSessionTaken
	ReasonTooManyFailedLogins
	ReasonInvalidName
	ReasonNameTaken
	ReasonInvalidVersion
	ReasonMalformedData
	ReasonTimeout
	ReasonRateLimited
)

var disconnectReasonNames = [...]string{
	ReasonUnknown:                "Unknown",
	ReasonDisconnected:           "Disconnected",
	ReasonBanned:                 "Banned",
	ReasonKicked:                 "Kicked",
	ReasonServerShutdown:         "ServerShutdown",
	ReasonServerFull:             "ServerFull",
	ReasonAuthenticationRequired: "AuthenticationRequired",
	ReasonAuthenticationFailed:   "AuthenticationFailed",
	ReasonSessionTaken:           "SessionTaken",
	ReasonTooManyFailedLogins:    "TooManyFailedLogins",
	ReasonInvalidName:            "InvalidName",
	ReasonNameTaken:              "NameTaken",
	ReasonInvalidVersion:         "InvalidVersion",
	ReasonMalformedData:          "MalformedData",
	ReasonTimeout:                "Timeout",
	ReasonRateLimited:            "RateLimited",
}

func (r DisconnectReason) String() string {
	if int(r) < len(disconnectReasonNames) {
		return disconnectReasonNames[r]
	}
	return fmt.Sprintf("DisconnectReason(%d)", uint8(r))
}
