package file

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testOwner = "192.168.1.20:7000"

// pump serves every outstanding part request from server and feeds the
// answers back to the downloader until no request is pending.
func pump(t *testing.T, d *Downloader, requests *mockSender, server *ChunkServer) {
	t.Helper()
	served := 0
	for {
		_, _, n := requests.counts()
		if n == served {
			return
		}
		req := requests.requests[served]
		served++

		part, err := server.Serve(context.Background(), "requester", req.req)
		if err != nil {
			t.Fatalf("Serve failed: %v", err)
		}
		if err := d.HandlePart(context.Background(), req.peer, *part); err != nil {
			t.Fatalf("HandlePart failed: %v", err)
		}
	}
}

func TestDownloaderRoundTrip(t *testing.T) {
	data := testContent(10_000)
	sum, _ := Checksum(bytes.NewReader(data))
	desc := Description{ID: NewID(), Name: "big.bin", Size: int64(len(data)), Checksum: sum}

	reg := NewRegistry()
	if _, err := reg.Post(desc, testRoom, bytes.NewReader(data)); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	replies := newMockSender()
	server := NewChunkServer(reg, replies)

	requests := newMockSender()
	d := NewDownloader(requests, 4096)

	var completed error = errors.New("not called")
	out := filepath.Join(t.TempDir(), "big.bin")
	download, err := d.Start(context.Background(), desc, testRoom, testOwner, out)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	download.OnComplete(func(err error) { completed = err })
	var progress []int64
	download.OnProgress(func(written int64, bytesPerSecond float64) {
		progress = append(progress, written)
		if bytesPerSecond < 0 {
			t.Errorf("negative transfer speed %f", bytesPerSecond)
		}
	})

	first := requests.lastRequest()
	if first.peer != testOwner || first.req.Start != 0 || first.req.Length != 4096 || first.req.Room != testRoom {
		t.Errorf("unexpected first request %+v", first)
	}

	pump(t, d, requests, server)

	if download.GetState() != DownloadStateCompleted {
		t.Fatalf("state = %s, err = %v", download.GetState(), download.Error)
	}
	if completed != nil {
		t.Errorf("completion callback error = %v", completed)
	}
	if _, _, n := requests.counts(); n != 3 {
		t.Errorf("expected 3 part requests for 10000 bytes at 4096, got %d", n)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("downloaded content differs from source")
	}
	if download.GetProgress() != 100.0 {
		t.Errorf("progress = %.1f", download.GetProgress())
	}
	want := []int64{4096, 8192, 10000}
	if len(progress) != len(want) {
		t.Fatalf("progress callbacks = %v, want %v", progress, want)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Errorf("progress[%d] = %d, want %d", i, progress[i], want[i])
		}
	}
}

func TestDownloaderChecksumMismatch(t *testing.T) {
	data := []byte("hello")
	desc := Description{ID: NewID(), Size: 5, Checksum: bytes.Repeat([]byte{1}, 32)}

	requests := newMockSender()
	d := NewDownloader(requests, 16)
	download, err := d.Start(context.Background(), desc, testRoom, testOwner, filepath.Join(t.TempDir(), "x"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	err = d.HandlePart(context.Background(), testOwner, Part{File: desc, Room: testRoom, Start: 0, Data: data})
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("HandlePart error = %v, want ErrChecksumMismatch", err)
	}
	if download.GetState() != DownloadStateError {
		t.Errorf("state = %s", download.GetState())
	}
}

func TestDownloaderRejectsOutOfOrderPart(t *testing.T) {
	desc := Description{ID: NewID(), Size: 100}
	d := NewDownloader(newMockSender(), 10)
	if _, err := d.Start(context.Background(), desc, testRoom, testOwner, filepath.Join(t.TempDir(), "x")); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	err := d.HandlePart(context.Background(), testOwner, Part{File: desc, Room: testRoom, Start: 50, Data: []byte("x")})
	if err == nil {
		t.Error("expected error for out-of-order part")
	}
}

func TestDownloaderRejectsForeignPeer(t *testing.T) {
	desc := Description{ID: NewID(), Size: 10}
	d := NewDownloader(newMockSender(), 10)
	if _, err := d.Start(context.Background(), desc, testRoom, testOwner, filepath.Join(t.TempDir(), "x")); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	err := d.HandlePart(context.Background(), "10.9.9.9:1", Part{File: desc, Room: testRoom, Data: []byte("x")})
	if err == nil {
		t.Error("expected error for part from another peer")
	}
	if _, err := d.Get(NewID()); err == nil {
		t.Error("expected error for unknown download")
	}
}

func TestDownloaderPrematureEndOfFile(t *testing.T) {
	desc := Description{ID: NewID(), Size: 10}
	d := NewDownloader(newMockSender(), 10)
	download, _ := d.Start(context.Background(), desc, testRoom, testOwner, filepath.Join(t.TempDir(), "x"))

	if err := d.HandlePart(context.Background(), testOwner, Part{File: desc, Room: testRoom, Data: []byte{}}); err == nil {
		t.Error("expected error for empty part before end of file")
	}
	if download.GetState() != DownloadStateError {
		t.Errorf("state = %s", download.GetState())
	}
}

func TestDownloaderEmptyFile(t *testing.T) {
	requests := newMockSender()
	d := NewDownloader(requests, 10)
	download, err := d.Start(context.Background(), Description{ID: NewID()}, testRoom, testOwner, filepath.Join(t.TempDir(), "empty"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if download.GetState() != DownloadStateCompleted {
		t.Errorf("state = %s", download.GetState())
	}
	if _, _, n := requests.counts(); n != 0 {
		t.Errorf("expected no part requests, got %d", n)
	}
}

func TestDownloaderPauseResume(t *testing.T) {
	desc := Description{ID: NewID(), Size: 20}
	requests := newMockSender()
	d := NewDownloader(requests, 10)
	download, _ := d.Start(context.Background(), desc, testRoom, testOwner, filepath.Join(t.TempDir(), "x"))

	if err := download.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	// The part in flight is still stored, but no further request goes out.
	if err := d.HandlePart(context.Background(), testOwner, Part{File: desc, Room: testRoom, Data: make([]byte, 10)}); err != nil {
		t.Fatalf("HandlePart failed: %v", err)
	}
	if _, _, n := requests.counts(); n != 1 {
		t.Errorf("expected 1 request while paused, got %d", n)
	}

	if err := d.Resume(context.Background(), desc.ID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if got := requests.lastRequest().req.Start; got != 10 {
		t.Errorf("resumed request start = %d, want 10", got)
	}
	if err := d.Resume(context.Background(), desc.ID); err == nil {
		t.Error("resuming a running download should fail")
	}
}

func TestDownloaderWithdrawnAndDisconnect(t *testing.T) {
	a := Description{ID: NewID(), Size: 10}
	b := Description{ID: NewID(), Size: 10}
	d := NewDownloader(newMockSender(), 10)
	da, _ := d.Start(context.Background(), a, testRoom, testOwner, filepath.Join(t.TempDir(), "a"))
	db, _ := d.Start(context.Background(), b, testRoom, testOwner, filepath.Join(t.TempDir(), "b"))

	d.HandleWithdrawn(a.ID, "other-room")
	if da.GetState() != DownloadStateRunning {
		t.Error("withdrawal from another room must not affect the download")
	}

	d.HandleWithdrawn(a.ID, testRoom)
	if da.GetState() != DownloadStateError || !errors.Is(da.Error, ErrNotPosted) {
		t.Errorf("withdrawn download state = %s, err = %v", da.GetState(), da.Error)
	}

	d.HandleDisconnect(testOwner)
	if db.GetState() != DownloadStateError {
		t.Errorf("disconnected download state = %s", db.GetState())
	}
}

func TestDownloaderRequestFailureFailsDownload(t *testing.T) {
	requests := newMockSender()
	requests.sendErr = errors.New("peer gone")
	d := NewDownloader(requests, 10)

	_, err := d.Start(context.Background(), Description{ID: NewID(), Size: 5}, testRoom, testOwner, filepath.Join(t.TempDir(), "x"))
	if err == nil {
		t.Fatal("expected Start to fail when the request cannot be sent")
	}
}

func TestDownloaderCancel(t *testing.T) {
	desc := Description{ID: NewID(), Size: 10}
	d := NewDownloader(newMockSender(), 10)
	download, _ := d.Start(context.Background(), desc, testRoom, testOwner, filepath.Join(t.TempDir(), "x"))

	var got error
	download.OnComplete(func(err error) { got = err })

	if err := d.Cancel(desc.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if !errors.Is(got, ErrDownloadCancelled) {
		t.Errorf("completion error = %v", got)
	}
	if err := d.Cancel(desc.ID); err == nil {
		t.Error("second cancel should fail")
	}

	// A finished download can be started again.
	if _, err := d.Start(context.Background(), desc, testRoom, testOwner, filepath.Join(t.TempDir(), "y")); err != nil {
		t.Errorf("restart after cancel failed: %v", err)
	}
}

func TestDownloaderStallDetection(t *testing.T) {
	desc := Description{ID: NewID(), Size: 10}
	d := NewDownloader(newMockSender(), 10)
	download, _ := d.Start(context.Background(), desc, testRoom, testOwner, filepath.Join(t.TempDir(), "x"))

	tp := newMockTimeProvider()
	download.SetTimeProvider(tp)
	download.SetStallTimeout(5 * time.Second)

	if stalled := d.CheckTimeouts(); len(stalled) != 0 {
		t.Errorf("unexpected stalled downloads %v", stalled)
	}

	tp.advance(6 * time.Second)
	stalled := d.CheckTimeouts()
	if len(stalled) != 1 || stalled[0] != desc.ID {
		t.Errorf("stalled = %v", stalled)
	}
	if !errors.Is(download.Error, ErrTransferStalled) {
		t.Errorf("error = %v", download.Error)
	}
}

func TestDownloaderStartValidation(t *testing.T) {
	d := NewDownloader(newMockSender(), 0)
	if d.partLength <= 0 {
		t.Errorf("default part length not applied: %d", d.partLength)
	}
	if _, err := d.Start(context.Background(), Description{}, testRoom, testOwner, "x"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("missing id error = %v", err)
	}
	if _, err := d.Start(context.Background(), Description{ID: NewID()}, "", testOwner, "x"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("missing room error = %v", err)
	}
	if _, err := d.Start(context.Background(), Description{ID: NewID()}, testRoom, "", "x"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("missing peer error = %v", err)
	}
	if _, err := d.Start(context.Background(), Description{ID: NewID(), Size: 1}, testRoom, testOwner, "../x"); !errors.Is(err, ErrDirectoryTraversal) {
		t.Errorf("traversal error = %v", err)
	}
}
