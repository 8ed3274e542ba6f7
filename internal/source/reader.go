// Package source reads capture data incrementally from local files or HTTP
// range-addressable resources. Reads are resumable purely from the byte/line
// offsets they return; the reader keeps no hidden state, so the same offsets
// always name the same position in the source.
package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tickscope/tickscope/internal/capture"
)

// ErrUnavailable marks a probe or read failure against a source that is
// missing, unreachable, or answering with an error status. It is distinct
// from a successful read that found no new data.
var ErrUnavailable = errors.New("source unavailable")

const (
	// maxLineBytes bounds a single capture line. Frames bigger than this are
	// treated as malformed.
	maxLineBytes = 10 * 1024 * 1024

	defaultProbeTimeout = 5 * time.Second
)

// Result is the outcome of one incremental read.
type Result struct {
	// Frames parsed from complete lines, in file order.
	Frames []*capture.Frame

	// ByteOffset / LineOffset are the resume position for the next read.
	// A partial trailing line is not consumed; its bytes stay beyond
	// ByteOffset and are re-read on the next poll.
	ByteOffset int64
	LineOffset int64

	// EOF reports that the read consumed everything the source currently
	// has. It does not mean the source is done growing.
	EOF bool

	// Dropped counts malformed lines skipped during this read.
	Dropped int
}

// Reader performs incremental reads over file paths and http(s) URLs.
type Reader struct {
	client *http.Client
}

// NewReader returns a Reader using the given HTTP client, or a default
// client when nil.
func NewReader(client *http.Client) *Reader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Reader{client: client}
}

// IsHTTP reports whether the source string names an HTTP resource rather
// than a local file.
func IsHTTP(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// Read reads new complete lines from src starting at the given offsets and
// parses them into frames. Errors reaching the source wrap ErrUnavailable;
// malformed lines are counted in Result.Dropped, not returned as errors.
func (r *Reader) Read(ctx context.Context, src string, byteOffset, lineOffset int64) (Result, error) {
	body, err := r.open(ctx, src, byteOffset)
	if err != nil {
		return Result{ByteOffset: byteOffset, LineOffset: lineOffset}, err
	}
	if body == nil {
		// No bytes past the offset yet.
		return Result{ByteOffset: byteOffset, LineOffset: lineOffset, EOF: true}, nil
	}
	defer body.Close()

	res := Result{ByteOffset: byteOffset, LineOffset: lineOffset}
	br := bufio.NewReaderSize(body, 64*1024)

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		line, n, err := readLine(br)
		if err == io.EOF {
			// Any leftover bytes form a partial trailing line; leave them
			// unconsumed so the next poll re-reads from the line start.
			res.EOF = true
			return res, nil
		}
		if err == errLineTooLong {
			res.ByteOffset += n
			res.LineOffset++
			res.Dropped++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("%w: reading %s: %v", ErrUnavailable, src, err)
		}

		res.ByteOffset += n
		res.LineOffset++

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}

		frame, perr := capture.ParseFrame(trimmed)
		if perr != nil {
			res.Dropped++
			continue
		}
		res.Frames = append(res.Frames, frame)
	}
}

// errLineTooLong marks a line over maxLineBytes. The line is consumed
// through its newline so the read can continue past it.
var errLineTooLong = errors.New("line too long")

// readLine returns one newline-terminated line and the number of bytes
// consumed, including the terminator. io.EOF is returned when no complete
// line remains; an io.EOF here consumes nothing, so a partial trailing line
// stays in the source for the next poll.
func readLine(br *bufio.Reader) (line []byte, n int64, err error) {
	var buf []byte
	tooLong := false
	for {
		chunk, rerr := br.ReadSlice('\n')
		n += int64(len(chunk))
		if !tooLong {
			buf = append(buf, chunk...)
			if len(buf) > maxLineBytes {
				tooLong = true
				buf = nil
			}
		}
		switch rerr {
		case nil:
			if tooLong {
				return nil, n, errLineTooLong
			}
			return buf, n, nil
		case bufio.ErrBufferFull:
			continue
		case io.EOF:
			// Partial trailing line: report EOF and consume nothing. The
			// bytes we peeled off the buffered reader are discarded, but the
			// caller's offset never advances past the last full line, so the
			// next read starts over at the line start.
			return nil, 0, io.EOF
		default:
			return nil, 0, rerr
		}
	}
}

// open returns a reader positioned at byteOffset, nil when the source has no
// bytes past the offset, or an ErrUnavailable-wrapped error.
func (r *Reader) open(ctx context.Context, src string, byteOffset int64) (io.ReadCloser, error) {
	if IsHTTP(src) {
		return r.openHTTP(ctx, src, byteOffset)
	}
	return openFile(src, byteOffset)
}

func openFile(path string, byteOffset int64) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if byteOffset > 0 {
		if _, err := f.Seek(byteOffset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: seek %s: %v", ErrUnavailable, path, err)
		}
	}
	return f, nil
}

func (r *Reader) openHTTP(ctx context.Context, url string, byteOffset int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if byteOffset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", byteOffset))
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// Nothing past the offset yet.
		resp.Body.Close()
		return nil, nil
	case resp.StatusCode == http.StatusPartialContent:
		return resp.Body, nil
	case resp.StatusCode == http.StatusOK:
		// Server ignored the range header; skip what we already consumed.
		if byteOffset > 0 {
			if _, err := io.CopyN(io.Discard, resp.Body, byteOffset); err != nil {
				resp.Body.Close()
				if err == io.EOF {
					return nil, nil
				}
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}
		return resp.Body, nil
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned status %d", ErrUnavailable, url, resp.StatusCode)
	}
}

// Probe checks that a source is reachable without reading its contents.
func (r *Reader) Probe(ctx context.Context, src string) error {
	if src == "" {
		return fmt.Errorf("%w: empty source", ErrUnavailable)
	}
	if !IsHTTP(src) {
		info, err := os.Stat(src)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if info.IsDir() {
			return fmt.Errorf("%w: %s is a directory", ErrUnavailable, src)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// One byte is enough to prove reachability.
	req.Header.Set("Range", "bytes=0-0")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		return fmt.Errorf("%w: %s returned status %d", ErrUnavailable, src, resp.StatusCode)
	}
	return nil
}
