package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/fieldops/tracklink/internal"
	"github.com/fieldops/tracklink/pubsub"
	"github.com/fieldops/tracklink/state"
)

type sessionResponse struct {
	SessionID int64  `json:"session_id"`
	DeviceID  string `json:"device_id"`
	UserID    string `json:"user_id"`
}

type stopResponse struct {
	SessionID int64  `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

type pointsResponse struct {
	SessionID int64  `json:"session_id"`
	Accepted  int    `json:"accepted"`
	Dedup     int    `json:"dedup"`
	Rejected  int    `json:"rejected"`
	FirstTs   *int64 `json:"first_ts"`
	LastTs    *int64 `json:"last_ts"`
}

type healthResponse struct {
	Health *state.Health `json:"health"`
}

func (h *Handler) startSession(ctx context.Context, dev *state.Device, body gjson.Result) (interface{}, error) {
	lat := inRange(body.Get("lat"), -90, 90)
	lon := inRange(body.Get("lon"), -180, 180)
	if lat == nil || lon == nil {
		lat, lon = nil, nil
	}
	started, closedID, err := h.store.StartSession(ctx, dev, lat, lon)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	h.forgetEstimate(dev.DeviceID)
	internal.SetRequestContextSession(ctx, started.ID)
	if closedID != 0 {
		h.publish(&pubsub.TrackingStopped{
			UserID: dev.UserID, DeviceID: dev.DeviceID, SessionID: closedID, EndedAtMs: started.StartedAtMs,
		})
	}
	h.publish(startedPayload(started, false))
	return sessionResponse{SessionID: started.ID, DeviceID: dev.DeviceID, UserID: dev.UserID}, nil
}

// stopSession closes whatever session is active; a session_id in the body is not
// required to match.
func (h *Handler) stopSession(ctx context.Context, dev *state.Device, body gjson.Result) (interface{}, error) {
	closedID, err := h.store.StopSession(ctx, dev)
	if err != nil {
		return nil, fmt.Errorf("stop session: %w", err)
	}
	h.forgetEstimate(dev.DeviceID)
	if closedID == 0 {
		return stopResponse{Message: "no_active_session"}, nil
	}
	internal.SetRequestContextSession(ctx, closedID)
	h.publish(&pubsub.TrackingStopped{
		UserID: dev.UserID, DeviceID: dev.DeviceID, SessionID: closedID, EndedAtMs: h.now().UnixMilli(),
	})
	return stopResponse{SessionID: closedID}, nil
}

func (h *Handler) submitPoints(ctx context.Context, dev *state.Device, body gjson.Result) (interface{}, error) {
	sessionID, err := sessionIDFrom(body)
	if err != nil {
		return nil, err
	}
	points, rejected := ParsePoints(body.Get("points"), h.now(), h.opts.MaxFutureSkew)
	res, err := h.store.InsertPoints(ctx, dev, sessionID, points)
	if err != nil {
		// *state.SessionInactiveError is rendered as a 409 by writeError
		return nil, err
	}
	internal.SetRequestContextSession(ctx, res.SessionID)
	internal.SetRequestContextPointCounts(ctx, len(res.Inserted), res.Dedup, rejected)
	count(h.pointsCounter, "accepted", len(res.Inserted))
	count(h.pointsCounter, "dedup", res.Dedup)
	count(h.pointsCounter, "rejected", rejected)

	if res.StartedSession != nil {
		h.forgetEstimate(dev.DeviceID)
		h.publish(startedPayload(res.StartedSession, true))
	}
	for i := range res.Inserted {
		h.publish(pointPayload(&res.Inserted[i]))
	}
	return pointsResponse{
		SessionID: res.SessionID,
		Accepted:  len(res.Inserted),
		Dedup:     res.Dedup,
		Rejected:  rejected,
		FirstTs:   res.FirstTs,
		LastTs:    res.LastTs,
	}, nil
}

func (h *Handler) submitHealth(ctx context.Context, dev *state.Device, body gjson.Result) (interface{}, error) {
	health, err := h.store.RecordHealth(ctx, ParseHealth(body, dev, h.now()), h.opts.HealthLogInterval)
	if err != nil {
		return nil, fmt.Errorf("record health: %w", err)
	}
	h.publishHealth(dev, health)
	return healthResponse{Health: health}, nil
}

func sessionIDFrom(body gjson.Result) (int64, error) {
	r := body.Get("session_id")
	if !r.Exists() || r.Type == gjson.Null || (r.Type == gjson.String && r.Str == "") {
		return 0, nil
	}
	f, ok := number(r)
	if !ok || f < 0 || f != math.Trunc(f) {
		return 0, internal.NewHandlerError(http.StatusBadRequest, internal.CodeBadRequest, errors.New("session_id must be an integer"))
	}
	return int64(f), nil
}

func startedPayload(s *state.Session, auto bool) *pubsub.TrackingStarted {
	return &pubsub.TrackingStarted{
		UserID:      s.UserID,
		DeviceID:    s.DeviceID,
		SessionID:   s.ID,
		StartedAtMs: s.StartedAtMs,
		Lat:         s.StartLat,
		Lon:         s.StartLon,
		Auto:        auto,
	}
}

func pointPayload(p *state.Point) *pubsub.TrackingPoint {
	return &pubsub.TrackingPoint{
		UserID:     p.UserID,
		DeviceID:   p.DeviceID,
		SessionID:  p.SessionID,
		TsMs:       p.TimestampMs,
		Lat:        p.Lat,
		Lon:        p.Lon,
		AccuracyM:  p.AccuracyM,
		SpeedMps:   p.SpeedMps,
		BearingDeg: p.BearingDeg,
		Source:     p.Source,
		Flags:      p.Flags,
		Confidence: p.Confidence,
	}
}

func (h *Handler) publishHealth(dev *state.Device, health *state.Health) {
	b, err := json.Marshal(health)
	if err != nil {
		logger.Err(err).Str("device", dev.DeviceID).Msg("failed to marshal health")
		return
	}
	h.publish(&pubsub.TrackerHealth{UserID: dev.UserID, DeviceID: dev.DeviceID, Health: b})
}
