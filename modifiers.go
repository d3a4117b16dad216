package mirsat

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/martian"
	"github.com/google/uuid"
	"github.com/tfkr-ae/mirsat/core"
	"github.com/tfkr-ae/mirsat/strategy"
)

var (
	// ErrDropped is returned when the request should not reach the network or the cache at all.
	ErrDropped = errors.New("item dropped")

	// ErrSkipPipeline is returned to stop the modifier pipeline for a request / response.
	// The request / response will still continue but won't be processed by any future modifiers
	ErrSkipPipeline = errors.New("stop processing item")

	// ErrMetadataNotFound is returned when metadata is invalid or missing
	ErrMetadataNotFound = errors.New("invalid or missing metadata")

	// ErrRequestIDNotFound is returned when requestID is not found
	ErrRequestIDNotFound = errors.New("invalid or missing requestID")
)

// Metadata keys written by the pipeline.
const (
	MetadataClass      = "class"
	MetadataServedFrom = "served_from"
)

// RequestModifierFunc is a signature for HTTP request modifiers, it takes in the request and *Agent
type RequestModifierFunc func(agent *Agent, req *http.Request) error

// ResponseModifierFunc is a signature for HTTP response modifiers, it takes in the response and *Agent
type ResponseModifierFunc func(agent *Agent, res *http.Response) error

// reqAdapter adapts the `RequestModifierFunc` and implements the `martian.RequestModifier` interface.
// A modifier returning ErrSkipPipeline sets the skip flag and the adapters of the later modifiers do nothing.
type reqAdapter struct {
	agent    *Agent
	modifier RequestModifierFunc
}

// ModifyRequest implements the `martian.RequestModifier` interface and allows the modifier to access the *Agent
func (adapter *reqAdapter) ModifyRequest(req *http.Request) error {
	if skip, ok := core.SkipFlagFromContext(req.Context()); ok && skip {
		return nil
	}
	err := adapter.modifier(adapter.agent, req)
	if errors.Is(err, ErrSkipPipeline) {
		*req = *core.ContextWithSkipFlag(req, true)
		return nil
	}
	return err
}

// resAdapter adapts the `ResponseModifierFunc` and implements the `martian.ResponseModifier` interface.
type resAdapter struct {
	agent    *Agent
	modifier ResponseModifierFunc
}

// ModifyResponse implements the `martian.ResponseModifier` interface and allows the modifier to access the *Agent
func (adapter *resAdapter) ModifyResponse(res *http.Response) error {
	if res.Request == nil {
		return nil
	}
	if skip, ok := core.SkipFlagFromContext(res.Request.Context()); ok && skip {
		return nil
	}
	err := adapter.modifier(adapter.agent, res)
	if errors.Is(err, ErrSkipPipeline) {
		res.Request = core.ContextWithSkipFlag(res.Request, true)
		return nil
	}
	return err
}

// PreventLoopModifier skips processing a request if it is made to the agent's active listener address and port, preventing an infinite loop
// It will normalize localhost & 127.0.0.1 when checking the host and port
func PreventLoopModifier(agent *Agent, req *http.Request) error {
	host, port, err := net.SplitHostPort(req.Host)
	if err != nil {
		host = req.Host

		// if net.SplitHostPort fails the fallback is either 443 or 80 depending on the URL scheme or req.TLS
		if req.URL.Scheme == "https" || req.TLS != nil {
			port = "443"
		} else {
			port = "80"
		}
	}

	if host == "localhost" {
		host = "127.0.0.1"
	}

	listenerAddr := agent.Addr
	if listenerAddr == "localhost" {
		listenerAddr = "127.0.0.1"
	}

	if host == listenerAddr && port == agent.Port {
		martian.NewContext(req).SkipRoundTrip()
		return ErrSkipPipeline
	}
	return nil
}

// SkipConnectRequestModifier will skip processing for CONNECT requests
func SkipConnectRequestModifier(agent *Agent, req *http.Request) error {
	if req.Method == http.MethodConnect {
		return ErrSkipPipeline
	}
	return nil
}

// SetupRequestModifier initializes the request context. It will generate and set the request ID,
// set the request time and the metadata map shared with the response.
func SetupRequestModifier(agent *Agent, req *http.Request) error {
	requestID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating uuid for request : %w", err)
	}

	*req = *core.ContextWithRequestTime(req, time.Now())
	*req = *core.ContextWithRequestID(req, requestID)
	*req = *core.ContextWithMetadata(req, make(map[string]any))
	return nil
}

// ClassifyRequestModifier routes the request and records its class in the metadata.
// The class is read back by the fetch handler.
func ClassifyRequestModifier(agent *Agent, req *http.Request) error {
	metadata, ok := core.MetadataFromContext(req.Context())
	if !ok {
		return ErrMetadataNotFound
	}
	metadata[MetadataClass] = strategy.Classify(strategy.Describe(req), agent.Rules)
	return nil
}

// ResponseFilterModifier will perform an initial filtering round on responses.
// It will skip processing for responses to CONNECT requests, responses where the skip flag was set, or SkipRoundTrip is true.
// It will also add the response time to the context
func ResponseFilterModifier(agent *Agent, res *http.Response) error {
	if res.Request.Method == http.MethodConnect || martian.NewContext(res.Request).SkippingRoundTrip() {
		return ErrSkipPipeline
	}
	if skip, ok := core.SkipFlagFromContext(res.Request.Context()); ok && skip {
		return ErrSkipPipeline
	}
	res.Request = core.ContextWithResponseTime(res.Request, time.Now())
	return nil
}

// ServedFromModifier records whether the response came from the cache or the network.
func ServedFromModifier(agent *Agent, res *http.Response) error {
	metadata, ok := core.MetadataFromContext(res.Request.Context())
	if !ok {
		return ErrMetadataNotFound
	}
	if res.Header.Get(strategy.HeaderServedFrom) != "" {
		metadata[MetadataServedFrom] = res.Header.Get(strategy.HeaderServedFrom)
	} else if _, cached := metadata[MetadataServedFrom]; !cached {
		metadata[MetadataServedFrom] = "network"
	}
	return nil
}

// TraceResponseModifier is the final modifier in the default response pipeline.
// It logs the request, its class and the origin of the response.
func TraceResponseModifier(agent *Agent, res *http.Response) error {
	ctx := res.Request.Context()
	requestID, ok := core.RequestIDFromContext(ctx)
	if !ok {
		return ErrRequestIDNotFound
	}

	attrs := []any{
		slog.String("request_id", requestID.String()),
		slog.String("method", res.Request.Method),
		slog.String("url", res.Request.URL.String()),
		slog.Int("status", res.StatusCode),
	}
	if metadata, ok := core.MetadataFromContext(ctx); ok {
		attrs = append(attrs, slog.Any(MetadataClass, metadata[MetadataClass]), slog.Any(MetadataServedFrom, metadata[MetadataServedFrom]))
	}
	requested, okReq := core.RequestTimeFromContext(ctx)
	responded, okRes := core.ResponseTimeFromContext(ctx)
	if okReq && okRes {
		attrs = append(attrs, slog.Duration("duration", responded.Sub(requested)))
	}

	agent.Logger.Debug("request served", attrs...)
	return nil
}
