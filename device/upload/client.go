package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/tidwall/gjson"
)

// Bodies at least this large are gzipped.
const gzipThreshold = 1024

type PointPayload struct {
	TS         int64    `json:"ts"`
	Lat        float64  `json:"lat"`
	Lon        float64  `json:"lon"`
	Acc        *float64 `json:"acc,omitempty"`
	SpeedMps   *float64 `json:"speed_mps,omitempty"`
	BearingDeg *float64 `json:"bearing_deg,omitempty"`
}

type PointsResponse struct {
	SessionID int64  `json:"session_id"`
	Accepted  int    `json:"accepted"`
	Dedup     int    `json:"dedup"`
	Rejected  int    `json:"rejected"`
	FirstTs   *int64 `json:"first_ts"`
	LastTs    *int64 `json:"last_ts"`
}

type SessionResponse struct {
	SessionID int64  `json:"session_id"`
	DeviceID  string `json:"device_id"`
	UserID    string `json:"user_id"`
}

type HealthPayload struct {
	BatteryPct *int                   `json:"battery_pct,omitempty"`
	IsCharging *bool                  `json:"is_charging,omitempty"`
	GPSOn      *bool                  `json:"gps_on,omitempty"`
	NetType    string                 `json:"net_type,omitempty"`
	QueueSize  *int                   `json:"queue_size,omitempty"`
	TrackingOn *bool                  `json:"tracking_on,omitempty"`
	LastSendAt string                 `json:"last_send_at,omitempty"`
	LastError  string                 `json:"last_error,omitempty"`
	AppVersion string                 `json:"app_version,omitempty"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
}

// WifiPayload carries identifiers already digested on the device.
type WifiPayload struct {
	BSSID string `json:"bssid"`
	SSID  string `json:"ssid,omitempty"`
	RSSI  int    `json:"rssi"`
	Freq  int    `json:"freq,omitempty"`
}

type CellPayload struct {
	Type string `json:"type"`
	MCC  int    `json:"mcc"`
	MNC  int    `json:"mnc"`
	CI   int64  `json:"ci"`
	TAC  int    `json:"tac"`
	PCI  *int   `json:"pci,omitempty"`
	DBM  *int   `json:"dbm,omitempty"`
}

type FingerprintPayload struct {
	TS        int64         `json:"ts"`
	Lat       *float64      `json:"lat,omitempty"`
	Lon       *float64      `json:"lon,omitempty"`
	AccuracyM *float64      `json:"accuracy_m,omitempty"`
	Wifi      []WifiPayload `json:"wifi,omitempty"`
	Cell      []CellPayload `json:"cell,omitempty"`
	Mode      string        `json:"mode,omitempty"`
	Purpose   string        `json:"purpose,omitempty"`
}

type EstimatePayload struct {
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	AccuracyM  float64 `json:"accuracy_m"`
	Confidence float64 `json:"confidence"`
	MatchCount int     `json:"match_count"`
}

type FingerprintResponse struct {
	Stored    int              `json:"stored"`
	Dropped   int              `json:"dropped"`
	Localized *bool            `json:"localized,omitempty"`
	PosEst    *EstimatePayload `json:"pos_est,omitempty"`
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
	body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// ActiveSessionID is the server's hint attached to session_inactive.
func (e *APIError) ActiveSessionID() (int64, bool) {
	r := gjson.GetBytes(e.body, "details.active_session_id")
	if r.Type != gjson.Number {
		return 0, false
	}
	return r.Int(), true
}

// Client talks to the tracker API with a device token.
type Client struct {
	BaseURL    string
	Token      string
	AppVersion string
	HTTP       *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) StartSession(ctx context.Context) (*SessionResponse, error) {
	var out SessionResponse
	err := c.do(ctx, "/api/tracker/start", struct{}{}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StopSession(ctx context.Context, sessionID int64) error {
	return c.do(ctx, "/api/tracker/stop", map[string]int64{"session_id": sessionID}, nil)
}

func (c *Client) SubmitPoints(ctx context.Context, sessionID int64, points []PointPayload) (*PointsResponse, error) {
	body := struct {
		SessionID int64          `json:"session_id,omitempty"`
		Points    []PointPayload `json:"points"`
	}{sessionID, points}
	var out PointsResponse
	if err := c.do(ctx, "/api/tracker/points", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SubmitHealth(ctx context.Context, h HealthPayload) error {
	return c.do(ctx, "/api/tracker/health", h, nil)
}

func (c *Client) SubmitFingerprints(ctx context.Context, samples []FingerprintPayload) (*FingerprintResponse, error) {
	body := struct {
		Samples []FingerprintPayload `json:"samples"`
	}{samples}
	var out FingerprintResponse
	if err := c.do(ctx, "/api/tracker/fingerprints", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, path string, in interface{}, out interface{}) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	body := raw
	compressed := false
	if len(raw) >= gzipThreshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err = zw.Write(raw); err == nil {
			err = zw.Close()
		}
		if err != nil {
			return fmt.Errorf("gzip %s: %w", path, err)
		}
		body = buf.Bytes()
		compressed = true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-Token", c.Token)
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if c.AppVersion != "" {
		req.Header.Set("User-Agent", "tracklink-agent/"+c.AppVersion)
	}
	res, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer res.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return newAPIError(res, respBody)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func newAPIError(res *http.Response, body []byte) *APIError {
	parsed := gjson.ParseBytes(body)
	e := &APIError{
		StatusCode: res.StatusCode,
		Code:       parsed.Get("code").Str,
		Message:    parsed.Get("error").Str,
		body:       body,
	}
	if e.Message == "" {
		e.Message = http.StatusText(res.StatusCode)
	}
	if secs, err := strconv.Atoi(res.Header.Get("Retry-After")); err == nil && secs > 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
	return e
}

// Class buckets an error by how the coordinator should react to it.
type Class int

const (
	ClassNone Class = iota
	// network failures, timeouts and 5xx: retry with backoff
	ClassTransient
	ClassAuth
	ClassSessionConflict
	ClassRateLimited
	// the request itself is malformed and will fail the same way again
	ClassValidation
)

func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return ClassTransient
	}
	switch {
	case apiErr.Code == "session_inactive" || apiErr.StatusCode == http.StatusConflict:
		return ClassSessionConflict
	case apiErr.Code == "rate_limited" || apiErr.StatusCode == http.StatusTooManyRequests:
		return ClassRateLimited
	case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
		return ClassAuth
	case apiErr.StatusCode == http.StatusBadRequest:
		return ClassValidation
	default:
		return ClassTransient
	}
}
