package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "tracklink_data"
)

// logging metadata for a single device request
type data struct {
	requestID string
	deviceID  string
	userID    string
	sessionID int64
	accepted  int
	dedup     int
	rejected  int
	stored    int
}

// prepare a request context so it can carry per-request logging fields
func RequestContext(ctx context.Context, requestID string) context.Context {
	d := &data{
		requestID: requestID,
		sessionID: -1,
		accepted:  -1,
		dedup:     -1,
		rejected:  -1,
		stored:    -1,
	}
	return context.WithValue(ctx, ctxData, d)
}

func RequestIDFromContext(ctx context.Context) string {
	d := ctx.Value(ctxData)
	if d == nil {
		return ""
	}
	return d.(*data).requestID
}

// add the authenticated device to this request context. Need to have called RequestContext first.
func SetRequestContextDevice(ctx context.Context, deviceID, userID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.deviceID = deviceID
	da.userID = userID
}

func SetRequestContextSession(ctx context.Context, sessionID int64) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	d.(*data).sessionID = sessionID
}

func SetRequestContextPointCounts(ctx context.Context, accepted, dedup, rejected int) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.accepted = accepted
	da.dedup = dedup
	da.rejected = rejected
}

func SetRequestContextFingerprints(ctx context.Context, stored int) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	d.(*data).stored = stored
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.requestID != "" {
		l = l.Str("rid", da.requestID)
	}
	if da.deviceID != "" {
		l = l.Str("dev", da.deviceID)
	}
	if da.userID != "" {
		l = l.Str("u", da.userID)
	}
	if da.sessionID >= 0 {
		l = l.Int64("s", da.sessionID)
	}
	if da.accepted >= 0 {
		l = l.Int("a", da.accepted)
	}
	if da.dedup > 0 {
		l = l.Int("dd", da.dedup)
	}
	if da.rejected > 0 {
		l = l.Int("rj", da.rejected)
	}
	if da.stored >= 0 {
		l = l.Int("fp", da.stored)
	}
	return l
}
