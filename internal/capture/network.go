package capture

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/SwayamMehta10/AuthRecall/internal/signal"
)

const maxInspectBytes = 4 << 20

// XHRResponse is a completed XMLHttpRequest-style response as seen by the
// page. Body holds a string for "" and "text", []byte for "arraybuffer" and
// "blob", and an already-decoded value for "json".
type XHRResponse struct {
	URL          string
	ContentType  string
	ResponseType string
	Body         any
}

// NetworkTap inspects structured responses from user/profile/auth endpoints
// without changing what the page receives.
type NetworkTap struct {
	extractor *signal.Extractor
	reporter  *Reporter
	logger    *slog.Logger
}

func NewNetworkTap(extractor *signal.Extractor, reporter *Reporter, logger *slog.Logger) *NetworkTap {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &NetworkTap{extractor: extractor, reporter: reporter, logger: logger}
}

// WrapTransport is the fetch-style tap. The wrapped transport's responses are
// returned with an equivalent body; inspection errors are only logged.
func (t *NetworkTap) WrapTransport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &tapTransport{next: next, tap: t}
}

type tapTransport struct {
	next http.RoundTripper
	tap  *NetworkTap
}

func (rt *tapTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := rt.next.RoundTrip(req)
	if err != nil || resp == nil {
		return resp, err
	}
	url := ""
	if req.URL != nil {
		url = req.URL.String()
	}
	rt.tap.inspectHTTPResponse(url, resp)
	return resp, nil
}

// ModifyResponse lets the tap sit behind an httputil.ReverseProxy. It never
// fails the proxied response.
func (t *NetworkTap) ModifyResponse(resp *http.Response) error {
	if resp == nil {
		return nil
	}
	url := ""
	if resp.Request != nil && resp.Request.URL != nil {
		url = resp.Request.URL.String()
	}
	t.inspectHTTPResponse(url, resp)
	return nil
}

func (t *NetworkTap) inspectHTTPResponse(url string, resp *http.Response) {
	defer t.recoverTap("fetch")
	if resp.Body == nil || resp.Body == http.NoBody {
		return
	}
	if !isJSONContentType(resp.Header.Get("Content-Type")) || !t.extractor.IsQualifyingEndpoint(url) {
		return
	}
	// Buffer the body so the caller still reads the full, unmodified payload.
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxInspectBytes+1))
	rest := resp.Body
	resp.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(body), rest), closer: rest}
	if err != nil {
		t.logger.Debug("response body read failed", "url", url, "error", err)
		return
	}
	if len(body) > maxInspectBytes {
		return
	}
	t.processJSON(url, body)
}

type replayBody struct {
	io.Reader
	closer io.Closer
}

func (b *replayBody) Close() error {
	return b.closer.Close()
}

// ObserveXHR is the XHR-style tap.
func (t *NetworkTap) ObserveXHR(resp XHRResponse) {
	defer t.recoverTap("xhr")
	if !t.extractor.IsQualifyingEndpoint(resp.URL) {
		return
	}
	if !isJSONContentType(resp.ContentType) {
		return
	}
	data, err := decodeXHRBody(resp)
	if err != nil {
		t.logger.Debug("xhr body decode failed", "url", resp.URL, "error", err)
		return
	}
	if data == nil {
		return
	}
	t.processResponse(resp.URL, data)
}

func decodeXHRBody(resp XHRResponse) (any, error) {
	switch strings.ToLower(strings.TrimSpace(resp.ResponseType)) {
	case "", "text":
		text, ok := resp.Body.(string)
		if !ok {
			return nil, fmt.Errorf("text response has %T body", resp.Body)
		}
		return decodeJSONBytes([]byte(text))
	case "arraybuffer", "blob":
		raw, ok := resp.Body.([]byte)
		if !ok {
			return nil, fmt.Errorf("%s response has %T body", resp.ResponseType, resp.Body)
		}
		return decodeJSONBytes(raw)
	case "json":
		return resp.Body, nil
	default:
		return nil, nil
	}
}

func decodeJSONBytes(raw []byte) (any, error) {
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (t *NetworkTap) processJSON(url string, body []byte) {
	data, err := decodeJSONBytes(body)
	if err != nil {
		t.logger.Debug("response is not json", "url", url, "error", err)
		return
	}
	t.processResponse(url, data)
}

// processResponse reports the first unseen acceptable email of a qualifying
// response, using the request URL as the source tag.
func (t *NetworkTap) processResponse(url string, data any) {
	if !t.extractor.IsQualifyingEndpoint(url) {
		return
	}
	emails := t.extractor.Classify(data, t.reporter.Session())
	if len(emails) == 0 {
		return
	}
	t.reporter.Report(emails[0], url)
}

func (t *NetworkTap) recoverTap(name string) {
	if r := recover(); r != nil {
		t.logger.Warn("capture tap panicked", "tap", name, "panic", r)
	}
}

func isJSONContentType(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "json")
}
