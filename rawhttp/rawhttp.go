package rawhttp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/beevik/etree"
	"github.com/gabriel-vasile/mimetype"
	"github.com/yosssi/gohtml"
)

// Prettify will atempt to prettify the body or return an empty byte slice if it fails
// JSON, XML, HTML can be prettified if it cannot prettify the body it will return an empty string
func Prettify(bodyBytes []byte) ([]byte, error) {
	if len(bodyBytes) == 0 {
		return []byte{}, nil
	}

	trimmedBody := bytes.TrimSpace(bodyBytes)

	// Check JSON
	var jsonData any

	err := json.Unmarshal(trimmedBody, &jsonData)
	if err == nil {
		output, err := json.MarshalIndent(jsonData, "", "  ")
		if err != nil {
			return []byte{}, fmt.Errorf("remarshalling JSON: %w", err)
		}
		return output, nil
	}

	// Check XML
	doc := etree.NewDocument()
	err = doc.ReadFromBytes(trimmedBody)
	if err == nil && doc.Root() != nil {
		doc.Indent(1)
		var output bytes.Buffer
		_, err := doc.WriteTo(&output)
		if err != nil {
			return []byte{}, fmt.Errorf("writing indented XML : %w", err)
		}
		return output.Bytes(), nil
	}

	// Check HTML (mimetype OR prefix)
	contentType := mimetype.Detect(trimmedBody).String()
	if strings.Contains(contentType, "text/html") ||
		(bytes.HasPrefix(trimmedBody, []byte("<")) && !bytes.HasPrefix(trimmedBody, []byte("<?xml"))) {
		output := gohtml.FormatBytes(trimmedBody)

		if !bytes.Equal(output, trimmedBody) && len(output) > 0 {
			return output, nil
		}
	}

	return []byte{}, nil
}

// DumpResponse will take a *http.Response, dumps the raw response and reset the body so it can be consumed
// Returns the full dump, prettified dump, and and error
func DumpResponse(res *http.Response) (rawDump []byte, prettyDump string, error error) {
	responseDump, err := httputil.DumpResponse(res, false)
	if err != nil {
		return []byte{}, "", fmt.Errorf("dumping response : %w", err)
	}

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return []byte{}, "", fmt.Errorf("reading response body: %w", err)
	}
	res.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	fullDump := append(responseDump, bodyBytes...)

	prettified, err := Prettify(bodyBytes)
	if err != nil || len(prettified) == 0 {
		return fullDump, "", nil
	}

	// appending twice with responseDump will lead to truncating fullDump
	prettyHeaders := make([]byte, len(responseDump))
	copy(prettyHeaders, responseDump)

	prettifiedDump := append(prettyHeaders, prettified...)
	return fullDump, string(prettifiedDump), nil
}

// Capture reads the whole response into a raw HTTP/1.1 message that can be stored and replayed.
// The response body is reset so it can still be delivered to the client. The stored copy has its
// transfer encoding removed, an exact Content-Length and, when missing, a detected Content-Type.
func Capture(res *http.Response) ([]byte, error) {
	bodyBytes, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	res.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	snapshot := *res
	snapshot.Proto, snapshot.ProtoMajor, snapshot.ProtoMinor = "HTTP/1.1", 1, 1
	snapshot.Header = res.Header.Clone()
	if snapshot.Header == nil {
		snapshot.Header = make(http.Header)
	}
	snapshot.Header.Del("Transfer-Encoding")
	snapshot.TransferEncoding = nil
	snapshot.Close = false
	snapshot.ContentLength = int64(len(bodyBytes))
	snapshot.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	if snapshot.Header.Get("Content-Type") == "" && len(bodyBytes) > 0 {
		snapshot.Header.Set("Content-Type", mimetype.Detect(bodyBytes).String())
	}

	raw, _, err := DumpResponse(&snapshot)
	if err != nil {
		return nil, fmt.Errorf("capturing response : %w", err)
	}

	return raw, nil
}

// splitMessage splits a raw message at the first blank line without touching the body.
func splitMessage(raw []byte) (headers []byte, body []byte, ok bool) {
	crlf := bytes.Index(raw, []byte("\r\n\r\n"))
	lf := bytes.Index(raw, []byte("\n\n"))

	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return raw[:crlf], raw[crlf+4:], true
	case lf >= 0:
		return raw[:lf], raw[lf+2:], true
	default:
		return nil, nil, false
	}
}

// Takes a raw request / response and updates the content-length to match the body length.
// Only the header section is normalized, the body is kept byte for byte.
func RecalculateContentLength(raw []byte) (updated []byte, err error) {
	headers, body, ok := splitMessage(raw)
	if !ok {
		return []byte{}, fmt.Errorf("malformed string : %s", raw)
	}

	headerLines := bytes.Split(bytes.ReplaceAll(headers, []byte("\r\n"), []byte("\n")), []byte("\n"))
	newHeaders := make([][]byte, 0, len(headerLines)+1)
	for _, line := range headerLines {
		lower := bytes.ToLower(line)
		if bytes.HasPrefix(lower, []byte("content-length:")) || bytes.HasPrefix(lower, []byte("transfer-encoding:")) {
			continue
		}
		newHeaders = append(newHeaders, line)
	}
	if len(body) > 0 {
		newHeaders = append(newHeaders, []byte(fmt.Sprintf("Content-Length: %d", len(body))))
	}

	updated = bytes.Join(newHeaders, []byte("\r\n"))
	updated = append(updated, []byte("\r\n\r\n")...)
	updated = append(updated, body...)
	return updated, nil
}

// RebuildResponse creates a new *http.response from a raw response slice
func RebuildResponse(raw []byte, req *http.Request) (res *http.Response, err error) {
	updated, err := RecalculateContentLength(raw)
	if err != nil {
		return nil, fmt.Errorf("recalculating content length : %w", err)
	}
	res, err = http.ReadResponse(bufio.NewReader(bytes.NewReader(updated)), req)
	if err != nil {
		return nil, fmt.Errorf("reading raw response %s : %w", raw, err)
	}
	return res, nil
}
