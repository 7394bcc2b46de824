package gcal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// BatchLimit is the Calendar API's maximum number of items per physical
// batch request. Callers chunk above this; Batch rejects oversized input.
const BatchLimit = 50

// batchPath is the batch endpoint for the Calendar v3 API.
const batchPath = "/batch/calendar/v3"

// BatchRequest is one item of a batched call. Path is relative to the
// API root (e.g. "/calendar/v3/calendars/{cal}/events/{id}"). Body is
// JSON-encoded when non-nil.
type BatchRequest struct {
	Method string
	Path   string
	Body   any
}

// BatchResult is the outcome of one BatchRequest, index-aligned with the
// request slice passed to Batch. Exactly one of Event/Err is meaningful:
// Err is nil on success, and Event holds the decoded resource (nil for
// DELETE responses, which have no body).
type BatchResult struct {
	StatusCode int
	Event      *Event
	Err        *CallError
}

// OK reports whether the item succeeded.
func (r *BatchResult) OK() bool {
	return r.Err == nil
}

// Batch executes up to BatchLimit requests in one physical multipart
// call and returns results index-aligned with reqs. Individual item
// failures are reported in their slot, never as a call error; only a
// transport-level failure of the whole request returns an error (after
// the client's usual retry policy for rate-limit/unavailable).
//
// Correlation is strictly positional: each part is tagged with a
// Content-ID carrying the request index, and response parts are slotted
// by the echoed index, so a server that reorders parts still yields an
// aligned result list.
func (c *Client) Batch(ctx context.Context, reqs []BatchRequest) ([]BatchResult, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	if len(reqs) > BatchLimit {
		return nil, fmt.Errorf("gcal: batch of %d exceeds limit %d (caller must chunk)", len(reqs), BatchLimit)
	}

	payload, boundary, err := encodeBatchBody(reqs)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		results, err := c.batchOnce(ctx, payload, boundary, len(reqs))
		if err == nil {
			return results, nil
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("gcal: batch canceled: %w", ctx.Err())
		}

		if !retryable(err) || attempt == maxAttempts {
			return nil, err
		}

		backoff := calcBackoff(attempt - 1)
		c.logger.Warn("retrying batch after transient error",
			slog.Int("items", len(reqs)),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
			return nil, fmt.Errorf("gcal: batch canceled: %w", sleepErr)
		}
	}
}

// batchOnce performs one physical batch round trip.
func (c *Client) batchOnce(ctx context.Context, payload []byte, boundary string, n int) ([]BatchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+batchPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("gcal: creating batch request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "multipart/mixed; boundary="+boundary)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, &CallError{Message: err.Error(), Err: ErrUnavailable}
		}

		return nil, fmt.Errorf("gcal: batch call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			body = []byte("(failed to read response body)")
		}

		return nil, newCallError(resp.StatusCode, body)
	}

	return decodeBatchBody(resp, n)
}

// encodeBatchBody frames requests as multipart/mixed application/http
// parts. Content-ID carries the request index for positional correlation.
func encodeBatchBody(reqs []BatchRequest) (payload []byte, boundary string, err error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for i, r := range reqs {
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Type", "application/http")
		hdr.Set("Content-ID", fmt.Sprintf("<item%d>", i))

		part, createErr := mw.CreatePart(hdr)
		if createErr != nil {
			return nil, "", fmt.Errorf("gcal: framing batch part %d: %w", i, createErr)
		}

		var body []byte
		if r.Body != nil {
			if body, err = json.Marshal(r.Body); err != nil {
				return nil, "", fmt.Errorf("gcal: encoding batch part %d: %w", i, err)
			}
		}

		fmt.Fprintf(part, "%s %s HTTP/1.1\r\n", r.Method, r.Path)

		if body != nil {
			fmt.Fprintf(part, "Content-Type: application/json\r\nContent-Length: %d\r\n", len(body))
		}

		fmt.Fprintf(part, "\r\n")
		part.Write(body)
	}

	if err = mw.Close(); err != nil {
		return nil, "", fmt.Errorf("gcal: closing batch body: %w", err)
	}

	return buf.Bytes(), mw.Boundary(), nil
}

// decodeBatchBody parses the multipart/mixed response into results
// slotted by the index echoed in each part's Content-ID.
func decodeBatchBody(resp *http.Response, n int) ([]BatchResult, error) {
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("gcal: unexpected batch response content type %q", resp.Header.Get("Content-Type"))
	}

	results := make([]BatchResult, n)
	for i := range results {
		// Slots the server never answers stay failed rather than
		// silently successful.
		results[i] = BatchResult{Err: &CallError{Message: "missing batch response part", Err: ErrServerError}}
	}

	mr := multipart.NewReader(resp.Body, params["boundary"])

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("gcal: reading batch response part: %w", err)
		}

		idx, ok := parseBatchIndex(part.Header.Get("Content-ID"))
		if !ok || idx < 0 || idx >= n {
			continue
		}

		results[idx] = decodeBatchPart(part)
	}

	return results, nil
}

// parseBatchIndex extracts the request index from a response Content-ID
// of the form "<response-item7>".
func parseBatchIndex(contentID string) (int, bool) {
	s := strings.Trim(contentID, "<>")
	s = strings.TrimPrefix(s, "response-")
	s = strings.TrimPrefix(s, "item")

	idx, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}

	return idx, true
}

// decodeBatchPart parses one application/http part into a BatchResult.
func decodeBatchPart(part *multipart.Part) BatchResult {
	httpResp, err := http.ReadResponse(bufio.NewReader(part), nil)
	if err != nil {
		return BatchResult{Err: &CallError{Message: "malformed batch part: " + err.Error(), Err: ErrServerError}}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return BatchResult{
			StatusCode: httpResp.StatusCode,
			Err:        &CallError{StatusCode: httpResp.StatusCode, Message: "reading batch part body: " + err.Error(), Err: ErrServerError},
		}
	}

	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
		return BatchResult{StatusCode: httpResp.StatusCode, Err: newCallError(httpResp.StatusCode, body)}
	}

	res := BatchResult{StatusCode: httpResp.StatusCode}

	if len(body) > 0 {
		var ev Event
		if err := json.Unmarshal(body, &ev); err != nil {
			res.Err = &CallError{StatusCode: httpResp.StatusCode, Message: "decoding batch part body: " + err.Error(), Err: ErrServerError}
			return res
		}

		res.Event = &ev
	}

	return res
}

// ChunkDelay is the default pause between physical batch calls, keeping
// sustained writes under the per-user quota.
const ChunkDelay = 1 * time.Second
