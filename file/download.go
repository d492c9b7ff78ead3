package file

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrDirectoryTraversal indicates an attempt to access files outside allowed directories.
var ErrDirectoryTraversal = errors.New("path contains directory traversal")

// ErrChecksumMismatch indicates a completed download does not match its description.
var ErrChecksumMismatch = errors.New("downloaded file checksum mismatch")

// ErrTransferStalled indicates that a download has not received data within the timeout period.
var ErrTransferStalled = errors.New("transfer stalled: no data received within timeout period")

// ErrDownloadCancelled is reported to completion callbacks of cancelled downloads.
var ErrDownloadCancelled = errors.New("download cancelled")

// DownloadState represents the current state of a download.
type DownloadState uint8

const (
	// DownloadStatePending indicates the download is waiting to start.
	DownloadStatePending DownloadState = iota
	// DownloadStateRunning indicates parts are being requested.
	DownloadStateRunning
	// DownloadStatePaused indicates no further parts are requested until resumed.
	DownloadStatePaused
	// DownloadStateCompleted indicates every byte was received and verified.
	DownloadStateCompleted
	// DownloadStateCancelled indicates the download was cancelled locally.
	DownloadStateCancelled
	// DownloadStateError indicates the download failed.
	DownloadStateError
)

func (s DownloadState) String() string {
	switch s {
	case DownloadStatePending:
		return "pending"
	case DownloadStateRunning:
		return "running"
	case DownloadStatePaused:
		return "paused"
	case DownloadStateCompleted:
		return "completed"
	case DownloadStateCancelled:
		return "cancelled"
	case DownloadStateError:
		return "error"
	default:
		return fmt.Sprintf("DownloadState(%d)", uint8(s))
	}
}

// DefaultStallTimeout is the default timeout duration for detecting stalled downloads.
const DefaultStallTimeout = 30 * time.Second

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

var defaultTimeProvider TimeProvider = DefaultTimeProvider{}

// Download receives a posted file part by part from its owner.
type Download struct {
	File  Description
	Room  string
	Peer  string
	Path  string
	State DownloadState
	Error error

	written int64
	handle  *os.File

	progressCallback func(written int64, bytesPerSecond float64)
	completeCallback func(error)

	mu            sync.Mutex
	startTime     time.Time
	lastPartTime  time.Time
	transferSpeed float64 // bytes per second
	stallTimeout  time.Duration
	timeProvider  TimeProvider
}

// newDownload creates a pending download of desc from peer into path.
func newDownload(desc Description, room, peer, path string) *Download {
	tp := defaultTimeProvider
	return &Download{
		File:         desc,
		Room:         room,
		Peer:         peer,
		Path:         path,
		State:        DownloadStatePending,
		lastPartTime: tp.Now(),
		stallTimeout: DefaultStallTimeout,
		timeProvider: tp,
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (d *Download) SetTimeProvider(tp TimeProvider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeProvider = tp
	d.lastPartTime = tp.Now()
}

// ValidatePath checks if a file path is safe from directory traversal attacks.
// It returns the cleaned path or an error if the path contains traversal attempts.
func ValidatePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("path is empty")
	}

	cleanedPath := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(cleanedPath), "/") {
		if part == ".." {
			return "", ErrDirectoryTraversal
		}
	}

	return cleanedPath, nil
}

// open creates the output file and moves the download to running.
func (d *Download) open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State != DownloadStatePending {
		return fmt.Errorf("download cannot be started in state %s", d.State)
	}

	safePath, err := ValidatePath(d.Path)
	if err != nil {
		d.fail(err)
		return err
	}
	d.Path = safePath

	d.handle, err = os.Create(d.Path)
	if err != nil {
		d.fail(err)
		return err
	}

	d.State = DownloadStateRunning
	d.startTime = d.timeProvider.Now()
	d.lastPartTime = d.startTime

	logrus.WithFields(logrus.Fields{
		"function":  "open",
		"file_id":   d.File.ID,
		"file_name": d.File.Name,
		"path":      d.Path,
		"peer":      d.Peer,
	}).Info("Download started")

	return nil
}

// writePart stores an in-order part and reports the next offset to request
// and whether the download is now complete.
func (d *Download) writePart(part Part) (next int64, done bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State != DownloadStateRunning && d.State != DownloadStatePaused {
		return 0, false, fmt.Errorf("download is %s", d.State)
	}
	if part.Start != d.written {
		return 0, false, fmt.Errorf("unexpected part offset %d, want %d", part.Start, d.written)
	}
	if int64(len(part.Data)) > d.File.Size-d.written {
		err := fmt.Errorf("part of %d bytes at %d overruns file size %d", len(part.Data), part.Start, d.File.Size)
		d.fail(err)
		return 0, false, err
	}
	if len(part.Data) == 0 {
		err := fmt.Errorf("owner reported end of file at %d of %d", d.written, d.File.Size)
		d.fail(err)
		return 0, false, err
	}

	if _, err := d.handle.WriteAt(part.Data, part.Start); err != nil {
		d.fail(err)
		return 0, false, err
	}

	d.written += int64(len(part.Data))
	d.updateTransferSpeed(int64(len(part.Data)))
	if d.progressCallback != nil {
		d.progressCallback(d.written, d.transferSpeed)
	}

	if d.written == d.File.Size {
		d.finish()
		return d.written, true, d.Error
	}
	return d.written, false, nil
}

// finish verifies the checksum, closes the output and records the outcome.
// Caller holds d.mu.
func (d *Download) finish() {
	var err error
	if len(d.File.Checksum) > 0 {
		err = d.verify()
	}

	if closeErr := d.handle.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	d.handle = nil

	if err != nil {
		d.fail(err)
		return
	}

	d.State = DownloadStateCompleted

	logrus.WithFields(logrus.Fields{
		"function":  "finish",
		"file_id":   d.File.ID,
		"file_name": d.File.Name,
		"size":      d.File.Size,
		"elapsed":   d.timeProvider.Since(d.startTime),
	}).Info("Download completed")

	if d.completeCallback != nil {
		d.completeCallback(nil)
	}
}

func (d *Download) verify() error {
	if _, err := d.handle.Seek(0, 0); err != nil {
		return err
	}
	sum, err := Checksum(d.handle)
	if err != nil {
		return err
	}
	if !bytes.Equal(sum, d.File.Checksum) {
		return ErrChecksumMismatch
	}
	return nil
}

// fail records err, closes the output and notifies the completion callback.
// Caller holds d.mu.
func (d *Download) fail(err error) {
	if d.handle != nil {
		if closeErr := d.handle.Close(); closeErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "fail",
				"file_id":  d.File.ID,
				"error":    closeErr.Error(),
			}).Warn("Failed to close download file")
		}
		d.handle = nil
	}

	d.Error = err
	d.State = DownloadStateError

	logrus.WithFields(logrus.Fields{
		"function": "fail",
		"file_id":  d.File.ID,
		"room":     d.Room,
		"peer":     d.Peer,
		"error":    err.Error(),
	}).Error("Download failed")

	if d.completeCallback != nil {
		d.completeCallback(err)
	}
}

// Fail aborts a running or paused download with err.
func (d *Download) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finished() {
		return
	}
	d.fail(err)
}

func (d *Download) finished() bool {
	return d.State == DownloadStateCompleted || d.State == DownloadStateCancelled || d.State == DownloadStateError
}

// Pause stops requesting parts after the one in flight.
func (d *Download) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State != DownloadStateRunning {
		return errors.New("download is not running")
	}
	d.State = DownloadStatePaused
	return nil
}

// resume moves a paused download back to running and returns the offset
// to request next.
func (d *Download) resume() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State != DownloadStatePaused {
		return 0, errors.New("download is not paused")
	}
	d.State = DownloadStateRunning
	d.lastPartTime = d.timeProvider.Now()
	return d.written, nil
}

// paused reports whether the download is paused.
func (d *Download) paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.State == DownloadStatePaused
}

// Cancel aborts the download.
func (d *Download) Cancel() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.finished() {
		return errors.New("download already finished")
	}

	if d.handle != nil {
		if closeErr := d.handle.Close(); closeErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Cancel",
				"file_id":  d.File.ID,
				"error":    closeErr.Error(),
			}).Warn("Failed to close file handle during cancel")
		}
		d.handle = nil
	}

	d.State = DownloadStateCancelled

	if d.completeCallback != nil {
		d.completeCallback(ErrDownloadCancelled)
	}

	return nil
}

// updateTransferSpeed calculates the current transfer speed.
func (d *Download) updateTransferSpeed(partSize int64) {
	now := d.timeProvider.Now()
	duration := d.timeProvider.Since(d.lastPartTime).Seconds()

	if duration > 0 {
		instantSpeed := float64(partSize) / duration

		// Exponential moving average with alpha = 0.3
		if d.transferSpeed == 0 {
			d.transferSpeed = instantSpeed
		} else {
			d.transferSpeed = 0.7*d.transferSpeed + 0.3*instantSpeed
		}
	}

	d.lastPartTime = now
}

// OnProgress sets a callback invoked after each stored part with the bytes
// written so far and the smoothed transfer speed. It runs under the
// download lock and must not call back into the download.
func (d *Download) OnProgress(callback func(written int64, bytesPerSecond float64)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.progressCallback = callback
}

// OnComplete sets a callback invoked once when the download finishes.
// The error is nil on success.
func (d *Download) OnComplete(callback func(error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completeCallback = callback
}

// Written returns the number of bytes stored so far.
func (d *Download) Written() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.written
}

// GetState returns the current state.
func (d *Download) GetState() DownloadState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.State
}

// GetProgress returns the current progress as a percentage.
func (d *Download) GetProgress() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.File.Size == 0 {
		if d.State == DownloadStateCompleted {
			return 100.0
		}
		return 0.0
	}
	return float64(d.written) / float64(d.File.Size) * 100.0
}

// SetStallTimeout configures the stall timeout. Zero disables stall detection.
func (d *Download) SetStallTimeout(timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stallTimeout = timeout
}

// CheckTimeout marks a running download as failed when no part arrived
// within the stall timeout. It returns ErrTransferStalled in that case.
func (d *Download) CheckTimeout() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stallTimeout == 0 || d.State != DownloadStateRunning {
		return nil
	}

	sinceLast := d.timeProvider.Since(d.lastPartTime)
	if sinceLast < d.stallTimeout {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function":             "CheckTimeout",
		"file_id":              d.File.ID,
		"stall_timeout":        d.stallTimeout,
		"time_since_last_part": sinceLast,
		"written":              d.written,
		"file_size":            d.File.Size,
	}).Warn("Download stalled: no part received within timeout period")

	d.fail(ErrTransferStalled)
	return ErrTransferStalled
}

// completeEmpty finishes a download of a zero-length file.
func (d *Download) completeEmpty() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State == DownloadStateRunning {
		d.finish()
	}
}

func (d *Download) isFinished() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finished()
}
