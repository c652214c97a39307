// bootsim plays the device side of the SFL protocol over a socket so the
// host stack can be exercised end-to-end without hardware: it requests
// firmware with the magic handshake, checks every frame's CRC, and acks or
// rejects like a real serial boot ROM would.
package main

import (
	"bytes"
	"encoding/binary"
	"flag"
	"io"
	"log"
	"net"
	"os"

	"github.com/misoc-tools/flterm/pkg/sfl"
)

func main() {
	var (
		unixPath = flag.String("unix", "", "unix socket path to listen on")
		tcpAddr  = flag.String("tcp", "", "TCP address to listen on")
		flaky    = flag.Bool("flaky", false, "reject the first attempt of every frame with a CRC error")
	)
	flag.Parse()

	var listener net.Listener
	var err error
	switch {
	case *unixPath != "":
		// Remove the socket file if it already exists.
		if err := os.Remove(*unixPath); err != nil && !os.IsNotExist(err) {
			log.Fatalf("Error removing existing socket: %v", err)
		}
		listener, err = net.Listen("unix", *unixPath)
	case *tcpAddr != "":
		listener, err = net.Listen("tcp", *tcpAddr)
	default:
		log.Fatal("Need either -unix or -tcp")
	}
	if err != nil {
		log.Fatalf("Error creating listener: %v", err)
	}
	defer listener.Close()
	log.Println("Bootloader simulator listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Printf("Error accepting connection: %v", err)
			continue
		}
		go handleConnection(conn, *flaky)
	}
}

func reply(conn net.Conn, r sfl.Reply) error {
	_, err := conn.Write([]byte{byte(r)})
	return err
}

func handleConnection(conn net.Conn, flaky bool) {
	defer conn.Close()

	log.Println("Host connected, requesting firmware")
	if _, err := conn.Write(sfl.MagicRequest); err != nil {
		log.Printf("Error writing magic request: %v", err)
		return
	}

	ack := make([]byte, len(sfl.MagicAck))
	if _, err := io.ReadFull(conn, ack); err != nil {
		log.Printf("Error reading magic ack: %v", err)
		return
	}
	if !bytes.Equal(ack, sfl.MagicAck) {
		log.Printf("Unexpected magic ack % X", ack)
		return
	}
	log.Println("Host acknowledged, receiving frames")

	var (
		loaded   int
		baseAddr uint32
		haveBase bool
		primed   bool
	)
	for {
		header := make([]byte, 4)
		if _, err := io.ReadFull(conn, header); err != nil {
			log.Printf("Error reading frame header: %v", err)
			return
		}
		payload := make([]byte, header[0])
		if _, err := io.ReadFull(conn, payload); err != nil {
			log.Printf("Error reading frame payload: %v", err)
			return
		}

		wantCRC := uint16(header[1])<<8 | uint16(header[2])
		gotCRC := sfl.CRC16(append([]byte{header[3]}, payload...))
		if gotCRC != wantCRC {
			log.Printf("Frame CRC 0x%04X does not match 0x%04X, asking for a retry", wantCRC, gotCRC)
			if reply(conn, sfl.ReplyCRCError) != nil {
				return
			}
			continue
		}
		if flaky && !primed {
			primed = true
			if reply(conn, sfl.ReplyCRCError) != nil {
				return
			}
			continue
		}
		primed = false

		switch sfl.Command(header[3]) {
		case sfl.CmdLoad:
			if len(payload) < 4 {
				if reply(conn, sfl.ReplyError) != nil {
					return
				}
				continue
			}
			addr := binary.BigEndian.Uint32(payload[:4])
			if !haveBase {
				baseAddr = addr
				haveBase = true
			}
			loaded += len(payload) - 4
			if reply(conn, sfl.ReplySuccess) != nil {
				return
			}
		case sfl.CmdJump:
			if len(payload) != 4 {
				if reply(conn, sfl.ReplyError) != nil {
					return
				}
				continue
			}
			addr := binary.BigEndian.Uint32(payload)
			log.Printf("Loaded %d bytes at 0x%08X, jump to 0x%08X", loaded, baseAddr, addr)
			reply(conn, sfl.ReplySuccess)
			return
		case sfl.CmdAbort:
			loaded = 0
			haveBase = false
			if reply(conn, sfl.ReplySuccess) != nil {
				return
			}
		default:
			if reply(conn, sfl.ReplyUnknown) != nil {
				return
			}
		}
	}
}
