package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/misoc-tools/flterm/pkg/console"
	"github.com/misoc-tools/flterm/pkg/link"
	"github.com/misoc-tools/flterm/pkg/loader"
)

// Ctrl-] ends the session, telnet style. Raw mode swallows Ctrl-C.
const quitKey = 0x1D

// escapeReader forwards keystrokes until the quit key shows up, then
// reports EOF so the console's writer loop drains cleanly.
type escapeReader struct {
	r io.Reader
}

func (e *escapeReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	for i := 0; i < n; i++ {
		if p[i] == quitKey {
			return i, io.EOF
		}
	}
	return n, err
}

func parseAddr(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %v", s, err)
	}
	return uint32(v), nil
}

func main() {
	var (
		port      = flag.String("port", "", "serial port path, or bridge host:port for jtag")
		speed     = flag.Int("speed", 115200, "serial baudrate")
		kernel    = flag.String("kernel", "", "kernel image to serve on a boot request")
		kernelAdr = flag.String("kernel-adr", "0x40000000", "kernel load address")
		entryAdr  = flag.String("entry-adr", "", "jump address (defaults to the load address)")
		logFile   = flag.String("log", "", "write diagnostics to this rotating log file")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] serial|jtag\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	if *logFile != "" {
		// stderr is unusable for diagnostics once the terminal is raw and
		// carrying the session echo.
		log.SetOutput(&lumberjack.Logger{
			Filename:   *logFile,
			MaxSize:    10, // MB
			MaxBackups: 3,
		})
	}

	cfg := console.Config{KernelImage: *kernel}
	var err error
	if cfg.KernelAddr, err = parseAddr(*kernelAdr); err != nil {
		log.Fatalf("Cannot parse kernel address: %v", err)
	}
	if *entryAdr != "" {
		if cfg.EntryAddr, err = parseAddr(*entryAdr); err != nil {
			log.Fatalf("Cannot parse entry address: %v", err)
		}
	}

	var lnk link.Link
	switch flag.Arg(0) {
	case "serial":
		lnk, err = link.OpenSerial(*port, *speed)
	case "jtag":
		lnk, err = link.OpenJTAG(*port)
	default:
		log.Fatalf("Unknown connection type %q, want serial or jtag", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("Cannot connect: %v", err)
	}

	err = run(lnk, cfg)
	lnk.Close()
	if err != nil {
		log.Fatalf("Session failed: %v", err)
	}
}

func run(lnk link.Link, cfg console.Config) error {
	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("cannot put the terminal into raw mode: %v", err)
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState)

	var bar *progressbar.ProgressBar
	ldr := loader.New(lnk, loader.WithProgress(func(sent, total int) {
		if bar == nil {
			bar = progressbar.DefaultBytes(int64(total), "upload")
		}
		bar.Set(sent)
		if sent == total {
			bar.Finish()
			bar = nil
			fmt.Print("\r\n")
		}
	}))

	cons := console.New(lnk, cfg,
		console.WithInput(&escapeReader{r: os.Stdin}),
		console.WithLoader(ldr),
	)

	log.Println("Terminal started, Ctrl-] quits")
	if err := cons.Start(); err != nil {
		return err
	}
	if err := cons.JoinWriter(); err != nil {
		return err
	}
	cons.Stop()
	return cons.Err()
}
