package link

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
)

const (
	// Control-plane messages to the bridge are terminated with a SUB byte.
	ctrlTerminator = "\x1a"

	// The boot UART tunnel sits behind a 2-entry scan chain; 0x3 selects it.
	selectChainCmd = "irscan 0 0x3"

	defaultTAP = "xc6s.tap"
)

// JTAGLink tunnels bytes through a 10-bit JTAG shift register exposed by an
// OpenOCD-style bridge over a local TCP control socket.
//
// Outbound bytes are framed as (value << 1) | 1 in the low 9 bits; the low
// bit tells the target a valid byte is present. Inbound data is polled with
// an all-zero scan: bit 0 of the second reply byte flags "data ready", and
// the byte itself spans bit 0 of the first reply byte (high bit) and the
// upper 7 bits of the second. A ready byte is consumed with a 0x200 scan.
//
// Reader and writer goroutines share one control socket, so a mutex keeps
// each request/reply exchange (and each poll together with its paired ack)
// from interleaving with unrelated scan commands.
type JTAGLink struct {
	endpoint string
	tap      string

	mu     sync.Mutex
	conn   net.Conn
	br     *bufio.Reader
	closed bool
}

// OpenJTAG connects to the debug bridge at the given host:port and selects
// the boot scan chain.
func OpenJTAG(endpoint string) (*JTAGLink, error) {
	conn, err := net.Dial("tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to JTAG bridge at %q: %v", endpoint, err)
	}
	j, err := newJTAGLink(conn, defaultTAP)
	if err != nil {
		conn.Close()
		return nil, err
	}
	j.endpoint = endpoint
	return j, nil
}

func newJTAGLink(conn net.Conn, tap string) (*JTAGLink, error) {
	j := &JTAGLink{
		conn: conn,
		br:   bufio.NewReader(conn),
		tap:  tap,
	}
	if _, err := j.exchange(selectChainCmd); err != nil {
		return nil, fmt.Errorf("cannot select boot scan chain: %v", err)
	}
	return j, nil
}

func (j *JTAGLink) Name() string {
	return fmt.Sprintf("JTAG bridge at %q", j.endpoint)
}

// exchange sends one control command and returns the bridge's echoed reply,
// holding the lock for the full round trip.
func (j *JTAGLink) exchange(cmd string) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.exchangeLocked(cmd)
}

func (j *JTAGLink) exchangeLocked(cmd string) (string, error) {
	if _, err := j.conn.Write([]byte(cmd + ctrlTerminator)); err != nil {
		return "", fmt.Errorf("error sending %q to bridge: %v", cmd, err)
	}
	reply, err := j.br.ReadString(ctrlTerminator[0])
	if err != nil {
		return "", fmt.Errorf("error reading bridge reply: %v", err)
	}
	return strings.TrimSpace(strings.TrimSuffix(reply, ctrlTerminator)), nil
}

func (j *JTAGLink) shiftCmd(value uint16) string {
	return fmt.Sprintf("drscan %s 10 0x%03x", j.tap, value)
}

func (j *JTAGLink) Write(p []byte) (int, error) {
	for i, b := range p {
		if _, err := j.exchange(j.shiftCmd(uint16(b)<<1 | 1)); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

// pollByte runs one poll cycle: neutral scan, ready check, and, when a byte
// is waiting, the paired consume ack. The whole cycle holds the lock so a
// concurrent Write cannot shift data in between the poll and its ack.
func (j *JTAGLink) pollByte() (byte, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	raw, err := j.exchangeLocked(j.shiftCmd(0x000))
	if err != nil {
		return 0, false, err
	}
	scan, err := hex.DecodeString(raw)
	if err != nil || len(scan) < 2 {
		// The bridge sometimes echoes warnings on the same channel.
		log.Printf("Malformed scan reply %q from the bridge, no data assumed", raw)
		return 0, false, nil
	}
	if scan[1]&0x01 == 0 {
		return 0, false, nil
	}
	if _, err := j.exchangeLocked(j.shiftCmd(0x200)); err != nil {
		return 0, false, err
	}
	return (scan[0]&0x01)<<7 | scan[1]>>1, true, nil
}

func (j *JTAGLink) ReadBytes(n int) ([]byte, error) {
	data := make([]byte, 0, n)
	for len(data) < n {
		b, ok, err := j.pollByte()
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		data = append(data, b)
	}
	return data, nil
}

func (j *JTAGLink) ReadByte() (byte, error) {
	buf, err := j.ReadBytes(1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

// Close tells the bridge to exit and releases the socket. Errors from the
// exit command are swallowed so the socket is closed no matter what.
func (j *JTAGLink) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.exchangeLocked("exit")
	j.mu.Unlock()
	return j.conn.Close()
}
