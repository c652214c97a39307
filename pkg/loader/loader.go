// Package loader drives a firmware image into target memory over the SFL
// protocol: chunked Load frames with send/ack/retry, then a Jump frame to
// start execution.
package loader

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/misoc-tools/flterm/pkg/link"
	"github.com/misoc-tools/flterm/pkg/sfl"
)

// Each Load payload starts with the 4-byte big-endian target address.
const chunkSize = sfl.MaxPayload - 4

// ProgressFunc is called after every acknowledged chunk. Implementations
// should return quickly; the transfer blocks while it runs.
type ProgressFunc func(sent, total int)

// Loader sends SFL frames over a single link.
type Loader struct {
	link     link.Link
	progress ProgressFunc
}

// Option configures a Loader.
type Option func(*Loader)

// WithProgress sets a callback for upload progress reporting.
func WithProgress(fn ProgressFunc) Option {
	return func(l *Loader) {
		l.progress = fn
	}
}

func New(lnk link.Link, opts ...Option) *Loader {
	l := &Loader{link: lnk}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SendFrame writes one encoded frame and reads the single reply byte. A
// CRC-error reply re-sends the identical bytes; any other non-success reply
// or transport failure is final.
func (l *Loader) SendFrame(frame sfl.Frame) error {
	packet, err := frame.Encode()
	if err != nil {
		return err
	}
	for {
		if _, err := l.link.Write(packet); err != nil {
			return fmt.Errorf("error writing frame: %w", err)
		}
		raw, err := l.link.ReadBytes(1)
		if err != nil {
			return fmt.Errorf("error reading reply: %w", err)
		}
		switch reply := sfl.ClassifyReply(raw); reply {
		case sfl.ReplySuccess:
			return nil
		case sfl.ReplyCRCError:
			// Retry signal. Same frame, same address.
		default:
			return &ReplyError{Reply: reply}
		}
	}
}

// Upload writes image to target memory starting at address, in Load frames
// of at most chunkSize data bytes. It returns the number of image bytes the
// bootloader acknowledged. The address cursor only advances on a success
// reply, so a retried frame lands at the same place.
func (l *Loader) Upload(ctx context.Context, image []byte, address uint32) (int, error) {
	total := len(image)
	sent := 0
	addr := address
	for sent < total {
		if err := ctx.Err(); err != nil {
			return sent, &UploadError{Addr: addr, Sent: sent, Err: err}
		}
		chunk := image[sent:min(sent+chunkSize, total)]
		payload := make([]byte, 0, 4+len(chunk))
		payload = binary.BigEndian.AppendUint32(payload, addr)
		payload = append(payload, chunk...)
		if err := l.SendFrame(sfl.Frame{Cmd: sfl.CmdLoad, Payload: payload}); err != nil {
			return sent, &UploadError{Addr: addr, Sent: sent, Err: err}
		}
		addr += uint32(len(chunk))
		sent += len(chunk)
		if l.progress != nil {
			l.progress(sent, total)
		}
	}
	return sent, nil
}

// Boot asks the bootloader to jump to the entry address. A refused jump is
// reported as-is; the upload is not re-attempted.
func (l *Loader) Boot(ctx context.Context, entry uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame := sfl.Frame{
		Cmd:     sfl.CmdJump,
		Payload: binary.BigEndian.AppendUint32(nil, entry),
	}
	if err := l.SendFrame(frame); err != nil {
		return fmt.Errorf("jump to 0x%08X refused: %w", entry, err)
	}
	return nil
}
