package mirsat

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/andybalholm/brotli"
	utls "github.com/refraction-networking/utls"
)

// CertHost serves the CA certificate over plain HTTP through the proxy.
const CertHost = "mirsat.cert"

// mirsatRoundTripper will intercept requests to mirsat.cert and serve the CA certificate
// Other requests will use the base RoundTripper
type mirsatRoundTripper struct {
	cert *x509.Certificate
	base http.RoundTripper
}

// newUpstreamTransport returns the transport used for every request leaving the agent.
// With fingerprint set, TLS connections use utls to mimic Chrome, restricted to http/1.1.
func newUpstreamTransport(fingerprint bool) *http.Transport {
	transport := &http.Transport{
		Proxy:                 nil,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	if !fingerprint {
		return transport
	}

	transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		tcpConn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		sniHost, _, err := net.SplitHostPort(addr)
		if err != nil {
			sniHost = addr
		}

		uTLSConfig := &utls.Config{
			ServerName: sniHost,
		}

		if transport.TLSClientConfig != nil {
			uTLSConfig.InsecureSkipVerify = transport.TLSClientConfig.InsecureSkipVerify
			uTLSConfig.RootCAs = transport.TLSClientConfig.RootCAs
		}

		uConn := utls.UClient(tcpConn, uTLSConfig, utls.HelloChrome_Auto)

		if err := uConn.BuildHandshakeState(); err != nil {
			tcpConn.Close()
			return nil, fmt.Errorf("building handshake state : %w", err)
		}

		// HelloChrome_Auto ignores NextProtos and offers h2, the ALPN extension has to be
		// rewritten before the handshake.
		foundALPN := false
		for _, ext := range uConn.Extensions {
			if alpnExt, ok := ext.(*utls.ALPNExtension); ok {
				alpnExt.AlpnProtocols = []string{"http/1.1"}
				foundALPN = true
				break
			}
		}

		if !foundALPN {
			tcpConn.Close()
			return nil, errors.New("could not find ALPNExtension")
		}

		if err := uConn.HandshakeContext(ctx); err != nil {
			tcpConn.Close()
			return nil, err
		}

		return uConn, nil
	}

	return transport
}

// RoundTrip satisfies http.RoundTripper, it will take the request and check if the URL matches mirsat.cert
// if it does, it will return the certificate in .der format
func (m *mirsatRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	urls := []string{"http://" + CertHost + "/", "http://" + CertHost}
	if slices.Contains(urls, req.URL.String()) {
		body := m.cert.Raw
		resp := &http.Response{
			Status:        "200 OK",
			StatusCode:    http.StatusOK,
			Proto:         "HTTP/1.1",
			ProtoMajor:    1,
			ProtoMinor:    1,
			Request:       req,
			Header:        make(http.Header),
			Body:          io.NopCloser(bytes.NewReader(body)),
			ContentLength: int64(len(body)),
		}
		resp.Header.Set("Content-Type", "application/x-x509-ca-cert")
		resp.Header.Set("Content-Disposition", "attachment; filename=\"mirsat-cert.der\"")
		return resp, nil
	}

	// An empty value keeps net/http from adding its own User-Agent
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header["User-Agent"] = []string{""}
	}

	return m.base.RoundTrip(req)
}

// decodingTransport removes the content encoding of upstream responses so that captured copies
// are stored and rendered as plain bodies.
type decodingTransport struct {
	base http.RoundTripper
}

func (d *decodingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := d.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := decodeContentEncoding(res); err != nil {
		res.Body.Close()
		return nil, err
	}
	return res, nil
}

// decodeContentEncoding decompresses the response body and replaces the `res.Body`
// with the decompressed data. It will remove the "Content-Encoding" header and update the "Content-Length" to the new length.
// Currently gzip and br compressed bodies are handled, other encodings are left untouched.
func decodeContentEncoding(res *http.Response) error {
	encoding := res.Header.Get("Content-Encoding")
	if encoding == "" || res.Body == nil || res.ContentLength == 0 {
		return nil
	}

	var reader io.Reader
	switch encoding {
	case "gzip":
		gzipReader, err := gzip.NewReader(res.Body)
		if err != nil {
			return fmt.Errorf("creating gzip reader: %w", err)
		}
		defer gzipReader.Close()
		reader = gzipReader
	case "br":
		reader = brotli.NewReader(res.Body)
	default:
		return nil
	}

	decompressedBody, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("reading %s content : %w", encoding, err)
	}
	res.Body.Close()

	res.Body = io.NopCloser(bytes.NewReader(decompressedBody))
	res.ContentLength = int64(len(decompressedBody))
	res.Header.Set("Content-Length", strconv.Itoa(len(decompressedBody)))
	res.Header.Del("Content-Encoding")
	res.TransferEncoding = nil
	res.Uncompressed = true
	return nil
}
