// Package snapshot serves the current camera frame over HTTP.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-camnode/framesource"
)

// ErrTransport wraps failures writing a response body.
var ErrTransport = errors.New("snapshot: transport error")

// UnavailableBody is the 500 body when no frame could be acquired.
const UnavailableBody = "cannot get frame from camera"

// FrameAcquirer is the part of framesource.Source the responder needs.
type FrameAcquirer interface {
	Acquire(ctx context.Context) (*framesource.Handle, error)
}

// Recorder receives one event per response (metrics hook).
type Recorder interface {
	ObserveSnapshot(code int, bytes int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveSnapshot(int, int) {}

// Options configures a Responder.
type Options struct {
	Recorder Recorder
	Logger   *slog.Logger
}

// Responder performs exactly one acquire per request and streams the frame
// bytes straight from the borrowed buffer.
//
// Ownership:
//   - Acquire failure: 500, nothing to release
//   - Success: headers, body written from Handle.Data(), then Release
//     (after the write completed or failed)
//
// Thread-safety: safe for concurrent requests; each request owns its handle.
type Responder struct {
	source   FrameAcquirer
	recorder Recorder
	logger   *slog.Logger
}

// NewResponder creates a responder over source.
func NewResponder(source FrameAcquirer, opts Options) *Responder {
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Responder{
		source:   source,
		recorder: opts.Recorder,
		logger:   opts.Logger,
	}
}

// ContentType returns the MIME type served for frames of format.
func ContentType(format framesource.PixelFormat) string {
	if format == framesource.PixelFormatJPEG {
		return "image/jpeg"
	}
	return "application/octet-stream"
}

func (s *Responder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	w.Header().Set("X-Request-ID", requestID)

	h, err := s.source.Acquire(r.Context())
	if err != nil {
		s.logger.Warn("snapshot: cannot get frame",
			"request_id", requestID,
			"remote", r.RemoteAddr,
			"error", err,
		)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		if _, werr := w.Write([]byte(UnavailableBody)); werr != nil {
			s.logTransport(requestID, werr)
		}
		s.recorder.ObserveSnapshot(http.StatusInternalServerError, 0)
		return
	}
	defer func() {
		if err := h.Release(); err != nil {
			s.logger.Error("snapshot: release failed", "request_id", requestID, "error", err)
		}
	}()

	data := h.Data()
	header := w.Header()
	header.Set("Content-Type", ContentType(h.Format()))
	header.Set("Content-Length", strconv.Itoa(len(data)))
	header.Set("X-Frame-Timestamp", strconv.FormatUint(h.Timestamp(), 10))
	header.Set("X-Frame-Size", fmt.Sprintf("%dx%d", h.Width(), h.Height()))
	w.WriteHeader(http.StatusOK)

	n, err := w.Write(data)
	if err != nil {
		s.logTransport(requestID, err)
	}
	s.recorder.ObserveSnapshot(http.StatusOK, n)

	s.logger.Debug("snapshot: frame served",
		"request_id", requestID,
		"trace_id", h.TraceID(),
		"bytes", n,
		"timestamp_us", h.Timestamp(),
	)
}

func (s *Responder) logTransport(requestID string, err error) {
	s.logger.Error("snapshot: error writing frame into response",
		"request_id", requestID,
		"error", fmt.Errorf("%w: %w", ErrTransport, err),
	)
}
