package sfl

import "bytes"

// Magic handshake literals. A bootloader that wants firmware pushed to it
// prints MagicRequest on its console; the host answers with MagicAck and
// starts the upload.
var (
	MagicRequest = []byte("sL5DdSMmkekro\n")
	MagicAck     = []byte("z6IHG7cYDID6o\n")
)

// MagicDetector recognizes MagicRequest inside an arbitrary inbound byte
// stream. It keeps a sliding window of the most recent len(MagicRequest)
// bytes; the sliding property doubles as the reset, so a partial match
// followed by noise needs no explicit clearing.
type MagicDetector struct {
	window []byte
}

func NewMagicDetector() *MagicDetector {
	return &MagicDetector{
		window: make([]byte, len(MagicRequest)),
	}
}

// Feed shifts b into the window and reports whether the window now equals
// the magic request literal.
func (d *MagicDetector) Feed(b byte) bool {
	copy(d.window, d.window[1:])
	d.window[len(d.window)-1] = b
	return bytes.Equal(d.window, MagicRequest)
}
