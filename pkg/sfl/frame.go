// Package sfl implements the Serial Firmware Loader wire protocol: CRC-framed
// command frames, the single-byte reply codes, and the magic boot-request
// handshake emitted by a waiting bootloader.
package sfl

import "fmt"

// Command is a frame command byte.
type Command byte

const (
	CmdAbort Command = 0x00
	CmdLoad  Command = 0x01
	CmdJump  Command = 0x02
)

// MaxPayload is the largest payload a single frame may carry. The length
// field is one byte, but the protocol caps frames below 256 to leave
// headroom, so the limit is enforced explicitly here.
const MaxPayload = 251

// Reply is the bootloader's single-byte answer to a frame.
type Reply byte

const (
	ReplySuccess  Reply = 'K'
	ReplyCRCError Reply = 'C'
	ReplyUnknown  Reply = 'U'
	ReplyError    Reply = 'E'
)

// ClassifyReply maps raw inbound bytes to a Reply. Anything that is not
// exactly one known reply byte counts as unknown; the bootloader's reply
// framing over a corrupted transport is unspecified, so no stricter
// validation is attempted.
func ClassifyReply(raw []byte) Reply {
	if len(raw) != 1 {
		return ReplyUnknown
	}
	switch Reply(raw[0]) {
	case ReplySuccess, ReplyCRCError, ReplyError:
		return Reply(raw[0])
	}
	return ReplyUnknown
}

func (r Reply) String() string {
	switch r {
	case ReplySuccess:
		return "success"
	case ReplyCRCError:
		return "crc error"
	case ReplyError:
		return "error"
	}
	return "unknown"
}

// Frame is one SFL message: a command plus up to MaxPayload payload bytes.
type Frame struct {
	Cmd     Command
	Payload []byte
}

// Encode serializes the frame as LEN(1) CRC(2, big-endian) CMD(1) PAYLOAD.
// The CRC covers the command byte and the payload. Oversized payloads are
// rejected outright; truncating would corrupt the target image.
func (f Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, fmt.Errorf("payload is %d bytes, max is %d", len(f.Payload), MaxPayload)
	}
	crc := CRC16(append([]byte{byte(f.Cmd)}, f.Payload...))
	packet := make([]byte, 0, 4+len(f.Payload))
	packet = append(packet, byte(len(f.Payload)))
	packet = append(packet, byte(crc>>8), byte(crc))
	packet = append(packet, byte(f.Cmd))
	packet = append(packet, f.Payload...)
	return packet, nil
}
