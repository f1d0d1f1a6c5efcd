// Package netdisco implements the out-of-band control protocol: server
// discovery, connection setup, player/rule introspection, rcon, master
// heartbeats, and the client-side server browser.
//
// Two encodings share the control channel. The legacy form is a
// 0x80000000|length header followed by a one-byte command; the
// DP-compatible form is an all-ones first word followed by an ASCII
// command with infostring arguments.
package netdisco

import (
	"encoding/binary"

	"github.com/joeycumines/go-quakenet/netchan"
	"github.com/joeycumines/go-quakenet/netmsg"
)

// GameName is sent and required in legacy connect/server-info requests.
const GameName = "QUAKE"

// ProtocolVersion is the legacy control protocol version.
const ProtocolVersion = 3

// Legacy control commands.
const (
	CCReqConnect    = 0x01
	CCReqServerInfo = 0x02
	CCReqPlayerInfo = 0x03
	CCReqRuleInfo   = 0x04
	CCReqRcon       = 0x05

	CCRepAccept     = 0x81
	CCRepReject     = 0x82
	CCRepServerInfo = 0x83
	CCRepPlayerInfo = 0x84
	CCRepRuleInfo   = 0x85
	CCRepRcon       = 0x86
)

// ModProQuake is the mod identifier negotiating 16-bit client-to-server
// angles when both sides report it in the connect handshake.
const ModProQuake = 1

// dpPrefix marks a DP-compatible text control packet.
var dpPrefix = []byte{0xff, 0xff, 0xff, 0xff}

// BeginControl clears m and reserves space for the control header.
func BeginControl(m *netmsg.Message) {
	m.Clear()
	m.WriteLong(0)
}

// FinishControl stomps the reserved header with CTL|length.
func FinishControl(m *netmsg.Message) {
	m.SetLong(0, netchan.FlagCtl|uint32(m.Len())&netchan.FlagLengthMask)
}

// ParseControl validates a legacy control packet's header against its
// actual length, returning a reader positioned after the header.
func ParseControl(data []byte) (*netmsg.Message, bool) {
	if len(data) < 4 {
		return nil, false
	}
	control := binary.BigEndian.Uint32(data)
	if control&^uint32(netchan.FlagLengthMask) != netchan.FlagCtl {
		return nil, false
	}
	if int(control&netchan.FlagLengthMask) != len(data) {
		return nil, false
	}
	m := netmsg.FromBytes(data)
	m.BeginReading()
	m.ReadLong()
	return m, true
}

// IsDPText reports whether data is a DP-style text control packet and
// returns the text after the prefix.
func IsDPText(data []byte) (string, bool) {
	if len(data) < 4 || binary.BigEndian.Uint32(data) != 0xffffffff {
		return "", false
	}
	return string(data[4:]), true
}

// DPText builds a DP-style text packet.
func DPText(text string) []byte {
	out := make([]byte, 0, 4+len(text))
	out = append(out, dpPrefix...)
	out = append(out, text...)
	return out
}
