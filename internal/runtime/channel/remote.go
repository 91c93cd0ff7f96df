package channel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RemoteEndpoint speaks the same envelopes to an embedding server over HTTP.
// The server answers each POST with a single response reply; this transport
// carries no progress stream.
type RemoteEndpoint struct {
	baseURL    string
	httpClient *http.Client
	emit       func([]byte)
}

func NewRemoteEndpoint(baseURL string) *RemoteEndpoint {
	return &RemoteEndpoint{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
}

func (e *RemoteEndpoint) Start(emit func(reply []byte)) error {
	e.emit = emit
	return nil
}

// Post ships the envelope and emits the server's reply asynchronously so the
// dispatcher never blocks on network I/O.
func (e *RemoteEndpoint) Post(envelope []byte) error {
	var env Envelope
	if err := json.Unmarshal(envelope, &env); err != nil {
		return fmt.Errorf("decode outbound envelope failed: %w", err)
	}

	go func() {
		reply := e.roundTrip(env.RequestID, envelope)
		raw, err := json.Marshal(reply)
		if err != nil {
			return
		}
		e.emit(raw)
	}()
	return nil
}

func (e *RemoteEndpoint) roundTrip(requestID string, envelope []byte) Reply {
	fail := func(format string, args ...interface{}) Reply {
		return Reply{Type: TypeResponse, RequestID: requestID, Error: fmt.Sprintf(format, args...)}
	}

	resp, err := e.httpClient.Post(e.baseURL+"/runtime/call", "application/json", bytes.NewReader(envelope))
	if err != nil {
		return fail("embedding server request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail("read embedding server response failed: %v", err)
	}
	if resp.StatusCode >= 300 {
		return fail("embedding server status %d: %s", resp.StatusCode, string(raw))
	}

	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return fail("parse embedding server reply failed: %v", err)
	}
	if reply.RequestID == "" {
		reply.RequestID = requestID
	}
	return reply
}

func (e *RemoteEndpoint) Close() error {
	e.httpClient.CloseIdleConnections()
	return nil
}
