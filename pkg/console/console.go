// Package console runs the interactive half of flterm: a duplex session
// that echoes target output, forwards local keystrokes, and watches the
// inbound stream for the SFL boot request so firmware can be pushed
// without user interaction.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/misoc-tools/flterm/pkg/link"
	"github.com/misoc-tools/flterm/pkg/loader"
	"github.com/misoc-tools/flterm/pkg/sfl"
)

// Config selects the autoboot behavior. With no kernel image configured the
// magic boot request is inert and the console is a plain terminal.
type Config struct {
	KernelImage string // path to the image served on a boot request
	KernelAddr  uint32 // load address
	EntryAddr   uint32 // jump address; zero means KernelAddr
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

// Console is a duplex terminal session over one Link. The reader and writer
// goroutines share only the link and their own running flags; each flag is
// written by Start/Stop and polled by its loop at every blocking-call
// boundary, so cancellation is cooperative and an in-flight read is never
// interrupted.
type Console struct {
	link link.Link
	ldr  *loader.Loader
	in   io.Reader
	out  io.Writer
	cfg  Config

	readerRunning atomic.Bool
	writerRunning atomic.Bool
	readerDone    chan struct{}
	writerDone    chan struct{}

	mu        sync.Mutex
	st        state
	readerErr error
	writerErr error
}

// Option configures a Console.
type Option func(*Console)

// WithInput sets the local keystroke source. Default is os.Stdin.
func WithInput(r io.Reader) Option {
	return func(c *Console) { c.in = r }
}

// WithOutput sets the local echo sink. Default is os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(c *Console) { c.out = w }
}

// WithLoader overrides the upload engine, e.g. to attach a progress callback.
func WithLoader(l *loader.Loader) Option {
	return func(c *Console) { c.ldr = l }
}

func New(lnk link.Link, cfg Config, opts ...Option) *Console {
	c := &Console{
		link:       lnk,
		cfg:        cfg,
		in:         os.Stdin,
		out:        os.Stdout,
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ldr == nil {
		c.ldr = loader.New(lnk)
	}
	return c
}

// Start launches the reader and writer goroutines. It may be called once.
func (c *Console) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st != stateIdle {
		return fmt.Errorf("console already started")
	}
	c.st = stateRunning
	c.readerRunning.Store(true)
	c.writerRunning.Store(true)
	go c.reader()
	go c.writer()
	return nil
}

// Stop asks both loops to exit. Each loop observes the flag after its
// current I/O operation completes; a transport that never delivers another
// byte keeps its loop blocked, which is accepted terminal semantics.
func (c *Console) Stop() {
	c.mu.Lock()
	c.st = stateStopped
	c.mu.Unlock()
	c.readerRunning.Store(false)
	c.writerRunning.Store(false)
}

// Join waits for both goroutines and returns any failure either recorded.
func (c *Console) Join() error {
	<-c.writerDone
	<-c.readerDone
	return c.Err()
}

// JoinWriter waits for the writer only, for callers that just need to know
// input forwarding has drained.
func (c *Console) JoinWriter() error {
	<-c.writerDone
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writerErr
}

// Err reports failures recorded by either loop so far.
func (c *Console) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return errors.Join(c.readerErr, c.writerErr)
}

func (c *Console) reader() {
	defer close(c.readerDone)
	detector := sfl.NewMagicDetector()
	for c.readerRunning.Load() {
		b, err := c.link.ReadByte()
		if err != nil {
			// Fatal to this unit only; the writer keeps forwarding.
			c.readerRunning.Store(false)
			c.mu.Lock()
			c.readerErr = fmt.Errorf("reader: %w", err)
			c.mu.Unlock()
			return
		}
		echo := b
		if b == '\r' {
			echo = '\n'
		}
		c.out.Write([]byte{echo})
		if c.cfg.KernelImage != "" && detector.Feed(b) {
			if !c.answerMagic() {
				return
			}
		}
	}
}

// answerMagic serves a boot request: magic ack, upload, jump. It runs
// synchronously inside the reader, so echo is suspended for the duration.
// The return value is false when the transport died underneath the upload.
func (c *Console) answerMagic() bool {
	log.Println("Received firmware download request from the device")

	image, err := os.ReadFile(c.cfg.KernelImage)
	if err != nil {
		log.Printf("Kernel image %q is not readable, ignoring the request: %v", c.cfg.KernelImage, err)
		return true
	}

	if _, err := c.link.Write(sfl.MagicAck); err != nil {
		return c.readerFailed(fmt.Errorf("cannot acknowledge boot request: %w", err))
	}

	log.Printf("Uploading %q (%d bytes) to 0x%08X", c.cfg.KernelImage, len(image), c.cfg.KernelAddr)
	start := time.Now()
	sent, err := c.ldr.Upload(context.Background(), image, c.cfg.KernelAddr)
	if err != nil {
		var replyErr *loader.ReplyError
		if errors.As(err, &replyErr) {
			// Protocol abort: the session stays up, the transfer does not.
			log.Printf("Upload aborted: %v", err)
			return true
		}
		return c.readerFailed(err)
	}
	elapsed := time.Since(start)
	log.Printf("Upload complete (%.1f KB/s)", float64(sent)/1024/elapsed.Seconds())

	log.Println("Booting the device")
	if err := c.ldr.Boot(context.Background(), c.entryAddr()); err != nil {
		var replyErr *loader.ReplyError
		if errors.As(err, &replyErr) {
			log.Printf("Boot failed: %v", err)
			return true
		}
		return c.readerFailed(err)
	}
	log.Println("Done")
	return true
}

func (c *Console) readerFailed(err error) bool {
	log.Print(err)
	c.readerRunning.Store(false)
	c.mu.Lock()
	c.readerErr = err
	c.mu.Unlock()
	return false
}

func (c *Console) entryAddr() uint32 {
	if c.cfg.EntryAddr != 0 {
		return c.cfg.EntryAddr
	}
	return c.cfg.KernelAddr
}

func (c *Console) writer() {
	defer close(c.writerDone)
	buf := make([]byte, 1)
	for c.writerRunning.Load() {
		n, err := c.in.Read(buf)
		if err != nil {
			c.writerRunning.Store(false)
			if err != io.EOF {
				c.mu.Lock()
				c.writerErr = fmt.Errorf("writer: %w", err)
				c.mu.Unlock()
			}
			return
		}
		if n == 0 {
			continue
		}
		if _, err := c.link.Write(buf[:n]); err != nil {
			c.writerRunning.Store(false)
			c.mu.Lock()
			c.writerErr = fmt.Errorf("writer: %w", err)
			c.mu.Unlock()
			return
		}
	}
}
