package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// NewSnapshot converts an HTTP response to a Snapshot.
// It reads the response body and restores it for the caller.
func NewSnapshot(req *http.Request, resp *http.Response, typ ResponseType) (*Snapshot, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		resp.Body.Close()
	}

	// Restore body for caller
	resp.Body = io.NopCloser(bytes.NewReader(body))

	snap := &Snapshot{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Type:       typ,
		Headers:    resp.Header.Clone(),
		Data:       body,
		CachedAt:   time.Now(),
	}
	if snap.Headers == nil {
		snap.Headers = http.Header{}
	}
	if req != nil {
		snap.URL = CanonicalURL(req.URL)
		for _, name := range varyNames(resp.Header) {
			if name == "*" {
				continue
			}
			if snap.Vary == nil {
				snap.Vary = make(map[string]string)
			}
			snap.Vary[http.CanonicalHeaderKey(name)] = req.Header.Get(name)
		}
	}

	return snap, nil
}

// Response rebuilds an HTTP response from the snapshot. Every call returns a
// fresh body reader over a private copy of the data.
func (s *Snapshot) Response(req *http.Request) *http.Response {
	data := append([]byte(nil), s.Data...)
	header := s.Headers.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Age", strconv.Itoa(int(s.Age()/time.Second)))

	status := s.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", s.StatusCode, http.StatusText(s.StatusCode))
	}

	return &http.Response{
		Status:        status,
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: int64(len(data)),
		Request:       req,
	}
}
