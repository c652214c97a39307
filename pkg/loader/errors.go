package loader

import (
	"fmt"

	"github.com/misoc-tools/flterm/pkg/sfl"
)

// ReplyError is a non-retryable reply from the bootloader. A CRC-error reply
// never surfaces as a ReplyError: it is the protocol's retry signal and is
// handled inside the send loop.
type ReplyError struct {
	Reply sfl.Reply
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("bootloader replied %q", e.Reply)
}

// UploadError reports a transfer that failed partway through. Whatever was
// already written to target memory stands; the protocol has no rollback.
type UploadError struct {
	Addr uint32 // address the transfer had reached
	Sent int    // payload bytes acknowledged so far
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed at address 0x%08X after %d bytes: %v", e.Addr, e.Sent, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}
