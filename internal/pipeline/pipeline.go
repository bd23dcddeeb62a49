// Package pipeline implements the per-connection forwarding state
// machine: classify the first request line, upgrade CONNECT tunnels to
// TLS, forward the decoded request upstream, and log the resulting pair.
//
// ServeConn drives one accepted connection directly over a bufio.Reader
// and net/http's wire types rather than through net/http.Server, so
// CONNECT tunnels and plain proxying share one explicit classifier
// instead of being split across handler registration.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"yatangaki/internal/logger"
	"yatangaki/internal/logstore"
	"yatangaki/internal/metrics"
	"yatangaki/internal/tlsca"
)

// Pipeline forwards and logs the traffic for one proxy instance.
type Pipeline struct {
	proxyID  int64
	ca       *tlsca.CA
	logs     *logstore.Store
	metrics  *metrics.Metrics
	log      *logger.Logger
	client   *http.Client
	onLogged func(packetID int64) // optional; called after a pair commits
}

// New returns a Pipeline bound to proxyID, using ca to upgrade CONNECT
// tunnels and logs as the destination for completed pairs. onLogged, if
// non-nil, is invoked with the allocated packet id strictly after the
// pair's insert transaction has committed — callers use it to publish a
// NewHttpLogRow-style event with the ordering guarantee that the row is
// already visible to readers.
func New(proxyID int64, ca *tlsca.CA, logs *logstore.Store, m *metrics.Metrics, log *logger.Logger, onLogged func(int64)) *Pipeline {
	return &Pipeline{
		proxyID:  proxyID,
		ca:       ca,
		logs:     logs,
		metrics:  m,
		log:      log,
		onLogged: onLogged,
		client: &http.Client{
			// Redirects must be visible to the user, not followed silently.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Transport: &http.Transport{
				Proxy: nil,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     false,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
}

// ServeConn classifies and serves every request arriving on conn until
// the connection closes or an unrecoverable I/O error occurs. Each
// request, CONNECT or plain, is served in arrival order; CONNECT hands
// the rest of the connection's lifetime to serveTLS.
func (p *Pipeline) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close() //nolint:errcheck // best-effort close

	reader := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.log.Debugf("read_request", "%s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		if req.Method == http.MethodConnect {
			p.handleConnect(ctx, conn, reader, req)
			return // the TLS-upgraded connection is served to completion above
		}

		if !p.serveForward(ctx, conn, req, "http") {
			return
		}
		if req.Close {
			return
		}
	}
}

// handleConnect implements the CONNECT → TLS upgrade → inner serve path.
func (p *Pipeline) handleConnect(ctx context.Context, conn net.Conn, reader *bufio.Reader, req *http.Request) {
	authority := req.Host
	if authority == "" {
		authority = req.URL.Host
	}
	if authority == "" {
		writeSimpleResponse(conn, http.StatusBadRequest, "missing authority")
		return
	}
	host := authority
	if h, _, err := net.SplitHostPort(authority); err == nil {
		host = h
	}

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}
	p.metrics.ConnectTunnels.Add(1)

	if reader.Buffered() > 0 {
		// Any bytes the client already sent past the CONNECT line are the
		// start of the TLS ClientHello; splice them back in front of conn.
		conn = &bufferedConn{Conn: conn, r: reader}
	}

	start := time.Now()
	tlsConn, err := p.ca.UpgradeServer(ctx, host, conn)
	if err != nil {
		p.metrics.ErrorsTLS.Add(1)
		if p.log != nil {
			p.log.Debugf("tls_upgrade", "%s: %v", host, err)
		}
		return
	}
	p.metrics.CertsMinted.Add(1)
	p.metrics.RecordHandshakeLatency(time.Since(start))
	defer tlsConn.Close() //nolint:errcheck // best-effort close

	innerReader := bufio.NewReader(tlsConn)
	for {
		innerReq, err := http.ReadRequest(innerReader)
		if err != nil {
			return
		}
		// The CONNECT authority, not anything inside the tunnel, identifies
		// the origin: the client's request line inside the tunnel only
		// carries the path.
		innerReq.URL.Host = authority
		innerReq.Host = authority
		if !p.serveForward(ctx, tlsConn, innerReq, "https") {
			return
		}
		if innerReq.Close {
			return
		}
	}
}

// serveForward builds the absolute upstream request, forwards it, writes
// the response to conn, and logs the pair. It returns false if a write
// error means the connection can no longer be used.
func (p *Pipeline) serveForward(ctx context.Context, conn net.Conn, req *http.Request, scheme string) bool {
	if req.URL.Scheme == "https" {
		writeSimpleResponse(conn, http.StatusBadRequest, "https scheme not expected on the listening side")
		return true
	}

	authority := req.Host
	if authority == "" {
		authority = req.URL.Host
	}
	if authority == "" {
		writeSimpleResponse(conn, http.StatusBadRequest, "missing authority")
		return true
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeSimpleResponse(conn, http.StatusBadRequest, "could not read body")
		return true
	}
	req.Body.Close() //nolint:errcheck // drained above

	reqParts := logstore.RequestParts{
		Method:    req.Method,
		Authority: authority,
		Path:      req.URL.Path,
		Query:     req.URL.RawQuery,
		Headers:   headersToParts(req.Header),
	}

	upstreamReq, err := p.buildUpstreamRequest(ctx, scheme, authority, req, body)
	if err != nil {
		p.logAndNotify(ctx, reqParts, body, nil)
		writeSimpleResponse(conn, http.StatusBadRequest, "bad request")
		return true
	}

	start := time.Now()
	resp, err := p.client.Do(upstreamReq)
	if err != nil {
		p.metrics.ErrorsUpstream.Add(1)
		if p.log != nil {
			p.log.Warnf("upstream", "%s %s://%s%s: %v", req.Method, scheme, authority, req.URL.Path, err)
		}
		p.logAndNotify(ctx, reqParts, body, nil)
		writeSimpleResponse(conn, http.StatusServiceUnavailable, "upstream unreachable")
		return true
	}
	p.metrics.RecordUpstreamLatency(time.Since(start))
	defer resp.Body.Close() //nolint:errcheck // drained below

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		p.logAndNotify(ctx, reqParts, body, nil)
		writeSimpleResponse(conn, http.StatusBadGateway, "upstream read error")
		return true
	}

	respParts := &logstore.ResponseParts{
		Status:  resp.StatusCode,
		Headers: headersToParts(resp.Header),
		Body:    respBody,
	}
	p.logAndNotify(ctx, reqParts, body, respParts)

	out := &http.Response{
		StatusCode:    resp.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        resp.Header.Clone(),
		Body:          io.NopCloser(strings.NewReader(string(respBody))),
		ContentLength: int64(len(respBody)),
	}
	out.Header.Del("Content-Encoding") // body above is already decoded
	out.Header.Set("Content-Length", fmt.Sprintf("%d", len(respBody)))
	if err := out.Write(conn); err != nil {
		return false
	}
	return true
}

// buildUpstreamRequest builds the absolute-URI request sent to the
// origin. The inbound Host header is dropped; the upstream client
// reconstructs it from the URL.
func (p *Pipeline) buildUpstreamRequest(ctx context.Context, scheme, authority string, req *http.Request, body []byte) (*http.Request, error) {
	u := &url.URL{
		Scheme:   scheme,
		Host:     authority,
		Path:     req.URL.Path,
		RawQuery: req.URL.RawQuery,
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, u.String(), newBodyReader(body))
	if err != nil {
		return nil, fmt.Errorf("pipeline: build upstream request: %w", err)
	}
	out.Header = req.Header.Clone()
	out.Header.Del("Host")
	// Let the transport negotiate and transparently decode gzip itself;
	// an explicit Accept-Encoding from the client would suppress that.
	out.Header.Del("Accept-Encoding")
	removeHopByHop(out.Header)
	out.ContentLength = int64(len(body))
	return out, nil
}

func (p *Pipeline) logAndNotify(ctx context.Context, req logstore.RequestParts, body []byte, resp *logstore.ResponseParts) {
	if p.logs == nil {
		return
	}
	packetID, err := p.logs.InsertPair(ctx, p.proxyID, req, body, resp)
	if err != nil {
		p.metrics.ErrorsLogStore.Add(1)
		if p.log != nil {
			p.log.Errorf("insert_pair", "%v", err)
		}
		return
	}
	p.metrics.PairsLogged.Add(1)
	if p.onLogged != nil {
		p.onLogged(packetID)
	}
}

// hopByHopHeaders are stripped before forwarding per RFC 7230 §6.1; they
// are meaningful only between a client and the immediately-connected
// proxy, not to the origin.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func removeHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func headersToParts(h http.Header) []logstore.Header {
	var out []logstore.Header
	for key, values := range h {
		for _, v := range values {
			out = append(out, logstore.Header{Key: key, Value: v})
		}
	}
	return out
}

func writeSimpleResponse(w io.Writer, status int, msg string) {
	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(msg)),
		ContentLength: int64(len(msg)),
	}
	resp.Write(w) //nolint:errcheck // best-effort on an already-failing path
}

func newBodyReader(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return strings.NewReader(string(body))
}

// bufferedConn prepends bytes already buffered by a bufio.Reader to a
// net.Conn's read stream, so reads downstream (the TLS handshake) see the
// ClientHello bytes that were over-read during HTTP line parsing.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }
