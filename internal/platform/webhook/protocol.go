package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/labtrack/labtrack/internal/platform/apperr"
)

// Overall statuses of an acknowledged batch.
const (
	OverallComplete           = "COMPLETE"
	OverallCompleteWithErrors = "COMPLETE WITH ERRORS"
	OverallError              = "ERROR"
)

// RowSuccess marks an accepted row. Any other row status is a failure.
const RowSuccess = "SUCCESS"

// BatchRequest is the body POSTed to an endpoint.
type BatchRequest struct {
	Kind    Kind     `json:"kind"`
	BatchID string   `json:"batch_id"`
	Records []Record `json:"records"`
}

// Response is the acknowledgement envelope.
type Response struct {
	Result *Result `json:"result"`
}

// Result carries the overall status and the per-row outcomes.
type Result struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Rows    []Row  `json:"rows"`
}

// Row is the outcome of one submitted record.
type Row struct {
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Data    RowData `json:"data"`
}

// RowData echoes the record ID and optionally the remote processing time.
type RowData struct {
	ID        json.RawMessage `json:"id"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// RecordID parses the echoed ID, which remote systems send either as a
// string or as a number.
func (d RowData) RecordID() (int64, bool) {
	raw := bytes.TrimSpace(d.ID)
	if len(raw) == 0 {
		return 0, false
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
	} else {
		s = string(raw)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// At parses the remote timestamp. Timestamps without a zone are UTC.
func (d RowData) At() (time.Time, bool) {
	ts := strings.TrimSpace(d.Timestamp)
	if ts == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseResponse decodes an HTTP 200 body. A body that does not follow the
// envelope is an apperr.ErrProtocol.
func ParseResponse(body []byte) (*Result, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode acknowledgement: %v", apperr.ErrProtocol, err)
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("%w: acknowledgement has no result", apperr.ErrProtocol)
	}
	switch resp.Result.Status {
	case OverallComplete, OverallCompleteWithErrors, OverallError:
	default:
		return nil, fmt.Errorf("%w: unknown overall status %q", apperr.ErrProtocol, resp.Result.Status)
	}
	return resp.Result, nil
}
