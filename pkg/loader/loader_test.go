package loader

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/misoc-tools/flterm/pkg/sfl"
)

// fakeLink records every frame written and plays back a scripted sequence of
// reply bytes.
type fakeLink struct {
	writes  [][]byte
	replies []byte
}

func (f *fakeLink) Write(p []byte) (int, error) {
	f.writes = append(f.writes, append([]byte{}, p...))
	return len(p), nil
}

func (f *fakeLink) ReadBytes(n int) ([]byte, error) {
	if len(f.replies) == 0 {
		return nil, errors.New("fake link: reply script exhausted")
	}
	if n != 1 {
		return nil, errors.New("fake link: only single-byte reads are scripted")
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return []byte{reply}, nil
}

func (f *fakeLink) ReadByte() (byte, error) {
	buf, err := f.ReadBytes(1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (f *fakeLink) Close() error { return nil }

func TestUploadRetriesIdenticalFrameOnCRCError(t *testing.T) {
	lnk := &fakeLink{replies: []byte{'C', 'C', 'K'}}
	image := []byte("firmware bytes")

	sent, err := New(lnk).Upload(context.Background(), image, 0x40000000)
	if err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}
	if sent != len(image) {
		t.Fatalf("Upload() sent %d bytes, want %d", sent, len(image))
	}
	if len(lnk.writes) != 3 {
		t.Fatalf("Got %d frame writes, want 3 (two CRC retries)", len(lnk.writes))
	}
	for i := 1; i < len(lnk.writes); i++ {
		if !bytes.Equal(lnk.writes[i], lnk.writes[0]) {
			t.Errorf("Retry #%d re-sent a different frame", i)
		}
	}
}

func TestUploadAbortsOnUnknownReply(t *testing.T) {
	// Four full chunks; the bootloader accepts two and balks at the third.
	image := make([]byte, 4*chunkSize)
	lnk := &fakeLink{replies: []byte{'K', 'K', 'U'}}

	sent, err := New(lnk).Upload(context.Background(), image, 0x40000000)
	if err == nil {
		t.Fatal("Expected Upload() to fail")
	}
	if len(lnk.writes) != 3 {
		t.Fatalf("Got %d frame writes, want 3 (chunk 4 must never be sent)", len(lnk.writes))
	}
	if sent != 2*chunkSize {
		t.Errorf("Upload() reported %d bytes sent, want %d", sent, 2*chunkSize)
	}

	var upErr *UploadError
	if !errors.As(err, &upErr) {
		t.Fatalf("Expected an UploadError, got %T: %v", err, err)
	}
	if upErr.Sent != 2*chunkSize {
		t.Errorf("UploadError.Sent = %d, want %d", upErr.Sent, 2*chunkSize)
	}
	if upErr.Addr != 0x40000000+uint32(2*chunkSize) {
		t.Errorf("UploadError.Addr = 0x%08X, want 0x%08X", upErr.Addr, 0x40000000+2*chunkSize)
	}
	var repErr *ReplyError
	if !errors.As(err, &repErr) || repErr.Reply != sfl.ReplyUnknown {
		t.Errorf("Expected a wrapped unknown-reply error, got %v", err)
	}
}

func TestUploadChunkAddressing(t *testing.T) {
	image := make([]byte, chunkSize+10)
	for i := range image {
		image[i] = byte(i)
	}
	lnk := &fakeLink{replies: []byte{'K', 'K'}}

	sent, err := New(lnk).Upload(context.Background(), image, 0x1000)
	if err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}
	if sent != len(image) {
		t.Fatalf("Upload() sent %d bytes, want %d", sent, len(image))
	}
	if len(lnk.writes) != 2 {
		t.Fatalf("Got %d frame writes, want 2", len(lnk.writes))
	}

	// Second frame: LEN CRC CMD ADDR DATA, address advanced by one chunk.
	second := lnk.writes[1]
	if int(second[0]) != 4+10 {
		t.Errorf("Second frame length byte is %d, want %d", second[0], 4+10)
	}
	gotAddr := uint32(second[4])<<24 | uint32(second[5])<<16 | uint32(second[6])<<8 | uint32(second[7])
	if gotAddr != 0x1000+uint32(chunkSize) {
		t.Errorf("Second chunk address is 0x%08X, want 0x%08X", gotAddr, 0x1000+chunkSize)
	}
	if !bytes.Equal(second[8:], image[chunkSize:]) {
		t.Errorf("Second chunk data mismatch")
	}
}

func TestUploadProgressCallback(t *testing.T) {
	image := make([]byte, 2*chunkSize)
	lnk := &fakeLink{replies: []byte{'K', 'K'}}

	var reports [][2]int
	ld := New(lnk, WithProgress(func(sent, total int) {
		reports = append(reports, [2]int{sent, total})
	}))
	if _, err := ld.Upload(context.Background(), image, 0); err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("Got %d progress reports, want 2", len(reports))
	}
	if reports[0] != [2]int{chunkSize, 2 * chunkSize} || reports[1] != [2]int{2 * chunkSize, 2 * chunkSize} {
		t.Errorf("Unexpected progress reports: %v", reports)
	}
}

func TestUploadCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	lnk := &fakeLink{replies: []byte{'K'}}
	_, err := New(lnk).Upload(ctx, []byte("image"), 0)
	if err == nil {
		t.Fatal("Expected Upload() to fail on a cancelled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected a wrapped context.Canceled, got %v", err)
	}
	if len(lnk.writes) != 0 {
		t.Errorf("Cancelled upload still wrote %d frames", len(lnk.writes))
	}
}

func TestBootSendsJumpFrame(t *testing.T) {
	lnk := &fakeLink{replies: []byte{'K'}}
	if err := New(lnk).Boot(context.Background(), 0x40000000); err != nil {
		t.Fatalf("Boot() failed: %v", err)
	}
	want, err := sfl.Frame{Cmd: sfl.CmdJump, Payload: []byte{0x40, 0x00, 0x00, 0x00}}.Encode()
	if err != nil {
		t.Fatalf("Cannot encode reference frame: %v", err)
	}
	if len(lnk.writes) != 1 || !bytes.Equal(lnk.writes[0], want) {
		t.Fatalf("Boot() wrote % X, want % X", lnk.writes, want)
	}
}

func TestSendFrameRejectsOversizedPayload(t *testing.T) {
	lnk := &fakeLink{}
	err := New(lnk).SendFrame(sfl.Frame{Cmd: sfl.CmdLoad, Payload: make([]byte, sfl.MaxPayload+1)})
	if err == nil {
		t.Fatal("Expected SendFrame() to reject an oversized payload")
	}
	if len(lnk.writes) != 0 {
		t.Errorf("Oversized frame reached the transport: %d writes", len(lnk.writes))
	}
}
