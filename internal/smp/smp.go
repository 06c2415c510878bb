// Package smp implements the mcumgr Simple Management Protocol (SMP)
// message envelope: a fixed 8-byte big-endian header followed by an
// opaque payload. See mynewt-mcumgr/protocol.md for the upstream
// definition of the header layout and the command groups.
package smp

// Management operation codes, encoded in the low 2 bits of the first
// header byte.
const (
	OpRead     uint8 = 0
	OpReadRsp  uint8 = 1
	OpWrite    uint8 = 2
	OpWriteRsp uint8 = 3
)

// opMask keeps only the bits of the op field that are significant on
// the wire. Higher bits are silently truncated.
const opMask = 0x03

// HeaderSize is the fixed header size in bytes:
// Op(1) + Flags(1) + Len(2) + Group(2) + Seq(1) + ID(1).
const HeaderSize = 8

// MaxMTU is the largest response size negotiated by newtmgr peers.
const MaxMTU = 1024

// Management command groups. The first 64 groups are reserved for
// system-level mcumgr commands; per-user groups start at 64.
const (
	GroupOS      uint16 = 0
	GroupImage   uint16 = 1
	GroupStat    uint16 = 2
	GroupConfig  uint16 = 3
	GroupLog     uint16 = 4
	GroupCrash   uint16 = 5
	GroupSplit   uint16 = 6
	GroupRun     uint16 = 7
	GroupFS      uint16 = 8
	GroupShell   uint16 = 9
	GroupPerUser uint16 = 64
)

// Command IDs within the OS management group.
const (
	CmdEcho         uint8 = 0
	CmdConsEchoCtrl uint8 = 1
	CmdTaskStat     uint8 = 2
	CmdMPStat       uint8 = 3
	CmdDatetimeStr  uint8 = 4
	CmdReset        uint8 = 5
)

// mcumgr status codes carried in response payloads.
const (
	StatusOK           uint16 = 0
	StatusUnknown      uint16 = 1
	StatusNoMem        uint16 = 2
	StatusInvalid      uint16 = 3
	StatusTimeout      uint16 = 4
	StatusNoEnt        uint16 = 5
	StatusBadState     uint16 = 6 // current state disallows command
	StatusMsgSize      uint16 = 7 // response too large
	StatusNotSupported uint16 = 8
	StatusCorrupt      uint16 = 9
	StatusPerUser      uint16 = 256
)
