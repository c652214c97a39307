// Package link provides the byte transports the SFL host speaks over: a
// direct serial port, and a JTAG scan-chain tunnel that carries bytes
// through an OpenOCD-style debug bridge. Call sites only ever see the Link
// interface; the set of implementations is closed.
package link

// Link is a bi-directional byte stream to the target.
type Link interface {
	// Write sends len(p) bytes to the target.
	Write(p []byte) (int, error)
	// ReadBytes blocks until n bytes have arrived and returns them.
	ReadBytes(n int) ([]byte, error)
	// ReadByte blocks until one byte has arrived.
	ReadByte() (byte, error)
	// Close releases the underlying connection. Idempotent.
	Close() error
}
