package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jellydator/ttlcache/v3"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fieldops/tracklink/fingerprint"
	"github.com/fieldops/tracklink/internal"
	"github.com/fieldops/tracklink/pubsub"
	"github.com/fieldops/tracklink/state"
)

type fingerprintResponse struct {
	Stored    int                   `json:"stored"`
	Dropped   int                   `json:"dropped"`
	Localized *bool                 `json:"localized,omitempty"`
	PosEst    *fingerprint.Estimate `json:"pos_est,omitempty"`
}

func (h *Handler) submitFingerprints(ctx context.Context, dev *state.Device, body gjson.Result) (interface{}, error) {
	items, ok := SampleItems(body)
	if !ok {
		return nil, internal.NewHandlerError(http.StatusBadRequest, internal.CodeBadRequest, errors.New("samples must be a list"))
	}
	now := h.now()
	samples := make([]fingerprint.Sample, 0, len(items))
	for _, it := range items {
		if s, ok := ParseSample(it, dev.DeviceID, now, h.opts.Fingerprint); ok {
			samples = append(samples, s)
		}
	}
	res := fingerprintResponse{
		Stored:  len(samples),
		Dropped: len(items) - len(samples),
	}
	internal.SetRequestContextFingerprints(ctx, res.Stored)
	count(h.samplesCounter, "stored", res.Stored)
	count(h.samplesCounter, "dropped", res.Dropped)
	if len(samples) > 0 {
		if err := h.store.StoreFingerprints(ctx, dev, samples); err != nil {
			return nil, fmt.Errorf("store fingerprints: %w", err)
		}
	}

	if len(samples) > 0 && h.opts.Fingerprint.ShouldLocalize(&samples[len(samples)-1]) {
		est, err := h.localize(ctx, dev, &samples[len(samples)-1])
		switch {
		case err != nil:
			// the samples are stored; a failed match only costs this estimate
			count(h.localizeCounter, "error", 1)
			logger.Err(err).Str("device", dev.DeviceID).Msg("localization failed")
			internal.CaptureError(ctx, err)
		case est == nil:
			count(h.localizeCounter, "miss", 1)
		default:
			count(h.localizeCounter, "hit", 1)
			h.applyEstimate(ctx, dev, est)
		}
		localized := err == nil && est != nil
		res.Localized = &localized
		if localized {
			res.PosEst = est
		}
	}

	h.publish(&pubsub.TrackerFingerprint{
		UserID:    dev.UserID,
		DeviceID:  dev.DeviceID,
		Stored:    res.Stored,
		Dropped:   res.Dropped,
		Localized: res.PosEst != nil,
		PosEst:    res.PosEst,
	})
	return res, nil
}

// localize matches the scan on the worker pool so concurrent uploads cannot spawn
// unbounded matching work.
func (h *Handler) localize(ctx context.Context, dev *state.Device, s *fingerprint.Sample) (*fingerprint.Estimate, error) {
	ctx, span := internal.StartSpan(ctx, "localize")
	defer span.End()
	type result struct {
		est *fingerprint.Estimate
		err error
	}
	ch := make(chan result, 1)
	err := h.pool.QueueContext(ctx, func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("localize panicked: %v", r)}
			}
		}()
		anchors, err := h.store.Anchors(ctx, dev.DeviceID, h.opts.Fingerprint, h.now())
		if err != nil {
			ch <- result{err: fmt.Errorf("load anchors: %w", err)}
			return
		}
		span.SetAttributes(attribute.Int("anchors", len(anchors)))
		ch <- result{est: h.opts.Fingerprint.Locate(s.Wifi, s.Cell, anchors)}
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		span.RecordError(r.err)
		return r.est, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// applyEstimate injects the estimate as a point into the active session, at most once
// per EstimateInterval per session, and records it on the device health.
func (h *Handler) applyEstimate(ctx context.Context, dev *state.Device, est *fingerprint.Estimate) {
	if err := h.store.AttachEstimate(ctx, dev, est); err != nil {
		logger.Err(err).Str("device", dev.DeviceID).Msg("failed to attach estimate to health")
	}

	if !h.reserveEstimate(dev.DeviceID) {
		count(h.localizeCounter, "throttled", 1)
		return
	}
	acc := est.AccuracyM
	conf := est.Confidence
	p, err := h.store.InsertEstimate(ctx, dev, state.Point{
		TimestampMs: h.now().UnixMilli(),
		Lat:         est.Lat,
		Lon:         est.Lon,
		AccuracyM:   &acc,
		Kind:        state.KindEstimate,
		Source:      state.SourceWifiEst,
		Flags:       []string{state.FlagEstimate},
		Confidence:  &conf,
	})
	if err != nil {
		h.forgetEstimate(dev.DeviceID)
		logger.Err(err).Str("device", dev.DeviceID).Msg("failed to insert estimated point")
		return
	}
	if p == nil {
		// no active session, or the timestamp was already taken
		h.forgetEstimate(dev.DeviceID)
		return
	}
	h.estimateMu.Lock()
	h.lastEstimate.Set(dev.DeviceID, p.SessionID, ttlcache.DefaultTTL)
	h.estimateMu.Unlock()
	h.publish(pointPayload(p))
}

// reserveEstimate claims the device's throttle slot. The lock only covers the cache,
// so a slow insert for one device never holds up another.
func (h *Handler) reserveEstimate(deviceID string) bool {
	h.estimateMu.Lock()
	defer h.estimateMu.Unlock()
	if h.lastEstimate.Get(deviceID) != nil {
		return false
	}
	h.lastEstimate.Set(deviceID, 0, ttlcache.DefaultTTL)
	return true
}

// forgetEstimate lets a new session receive an estimate straight away.
func (h *Handler) forgetEstimate(deviceID string) {
	h.estimateMu.Lock()
	defer h.estimateMu.Unlock()
	h.lastEstimate.Delete(deviceID)
}
