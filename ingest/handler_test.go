package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzip"
	"github.com/tidwall/gjson"

	"github.com/fieldops/tracklink/fingerprint"
	"github.com/fieldops/tracklink/pubsub"
	"github.com/fieldops/tracklink/state"
)

type fakeStore struct {
	mu        sync.Mutex
	devices   map[string]*state.Device
	revoked   map[string]bool
	active    map[string]*state.Session
	nextID    int64
	points    map[string]state.Point
	samples   []fingerprint.Sample
	anchors   []fingerprint.Anchor
	health    map[string]*state.Health
	estimates map[string]*fingerprint.Estimate
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		devices:   make(map[string]*state.Device),
		revoked:   make(map[string]bool),
		active:    make(map[string]*state.Session),
		points:    make(map[string]state.Point),
		health:    make(map[string]*state.Health),
		estimates: make(map[string]*fingerprint.Estimate),
	}
}

func (s *fakeStore) addDevice(token, deviceID, userID string) *state.Device {
	d := &state.Device{DeviceID: deviceID, UserID: userID}
	s.devices[token] = d
	return d
}

func (s *fakeStore) Authenticate(ctx context.Context, token string) (*state.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.devices[token]
	if d == nil {
		return nil, state.ErrUnknownToken
	}
	if s.revoked[token] {
		return d, state.ErrRevokedDevice
	}
	return d, nil
}

func (s *fakeStore) openLocked(dev *state.Device, lat, lon *float64) *state.Session {
	s.nextID++
	sess := &state.Session{ID: s.nextID, DeviceID: dev.DeviceID, UserID: dev.UserID, Active: true, StartedAtMs: time.Now().UnixMilli(), StartLat: lat, StartLon: lon}
	s.active[dev.DeviceID] = sess
	return sess
}

func (s *fakeStore) StartSession(ctx context.Context, dev *state.Device, lat, lon *float64) (*state.Session, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var closed int64
	if prev := s.active[dev.DeviceID]; prev != nil {
		closed = prev.ID
	}
	return s.openLocked(dev, lat, lon), closed, nil
}

func (s *fakeStore) StopSession(ctx context.Context, dev *state.Device) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.active[dev.DeviceID]
	if prev == nil {
		return 0, nil
	}
	delete(s.active, dev.DeviceID)
	return prev.ID, nil
}

func (s *fakeStore) insertLocked(dev *state.Device, sessionID int64, p state.Point) bool {
	key := fmt.Sprintf("%d|%d", sessionID, p.TimestampMs)
	if _, exists := s.points[key]; exists {
		return false
	}
	p.SessionID = sessionID
	p.DeviceID = dev.DeviceID
	p.UserID = dev.UserID
	s.points[key] = p
	return true
}

func (s *fakeStore) InsertPoints(ctx context.Context, dev *state.Device, sessionID int64, points []state.Point) (*state.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := &state.InsertResult{}
	active := s.active[dev.DeviceID]
	if sessionID != 0 && (active == nil || active.ID != sessionID) {
		e := &state.SessionInactiveError{Requested: sessionID}
		if active != nil {
			e.ActiveID = &active.ID
		}
		return nil, e
	}
	if active == nil {
		active = s.openLocked(dev, nil, nil)
		res.StartedSession = active
	}
	res.SessionID = active.ID
	for _, p := range points {
		if !s.insertLocked(dev, active.ID, p) {
			res.Dedup++
			continue
		}
		p.SessionID = active.ID
		p.DeviceID = dev.DeviceID
		p.UserID = dev.UserID
		res.Inserted = append(res.Inserted, p)
		ts := p.TimestampMs
		if res.FirstTs == nil || ts < *res.FirstTs {
			res.FirstTs = &ts
		}
		if res.LastTs == nil || ts > *res.LastTs {
			t := ts
			res.LastTs = &t
		}
	}
	return res, nil
}

func (s *fakeStore) InsertEstimate(ctx context.Context, dev *state.Device, p state.Point) (*state.Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := s.active[dev.DeviceID]
	if active == nil || !s.insertLocked(dev, active.ID, p) {
		return nil, nil
	}
	p.SessionID = active.ID
	p.DeviceID = dev.DeviceID
	p.UserID = dev.UserID
	return &p, nil
}

func (s *fakeStore) StoreFingerprints(ctx context.Context, dev *state.Device, samples []fingerprint.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, samples...)
	return nil
}

func (s *fakeStore) Anchors(ctx context.Context, deviceID string, p fingerprint.Params, now time.Time) ([]fingerprint.Anchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anchors, nil
}

func (s *fakeStore) RecordHealth(ctx context.Context, h *state.Health, logGap time.Duration) (*state.Health, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health[h.DeviceID] = h
	return h, nil
}

func (s *fakeStore) AttachEstimate(ctx context.Context, dev *state.Device, est *fingerprint.Estimate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.estimates[dev.DeviceID] = est
	return nil
}

func (s *fakeStore) pointCount(source string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.points {
		if p.Source == source {
			n++
		}
	}
	return n
}

type recordingNotifier struct {
	mu       sync.Mutex
	payloads []pubsub.Payload
}

func (n *recordingNotifier) Notify(chanName string, p pubsub.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, p)
	return nil
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.payloads))
	for i, p := range n.payloads {
		out[i] = p.Type()
	}
	return out
}

type testServer struct {
	t        *testing.T
	srv      *httptest.Server
	store    *fakeStore
	notifier *recordingNotifier
	handler  *Handler
}

func newTestServer(t *testing.T, mutate func(o *Options)) *testServer {
	t.Helper()
	opts := DefaultOptions()
	opts.MatchWorkers = 2
	if mutate != nil {
		mutate(&opts)
	}
	ts := &testServer{t: t, store: newFakeStore(), notifier: &recordingNotifier{}}
	ts.handler = NewHandler(ts.store, ts.notifier, opts, false)
	r := mux.NewRouter()
	ts.handler.Register(r)
	ts.srv = httptest.NewServer(r)
	t.Cleanup(func() {
		ts.srv.Close()
		ts.handler.Teardown()
	})
	return ts
}

func (ts *testServer) post(path, token string, body string, hdr ...string) (int, gjson.Result, http.Header) {
	ts.t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+path, bytes.NewBufferString(body))
	if err != nil {
		ts.t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("X-Device-Token", token)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	return ts.do(req)
}

func (ts *testServer) do(req *http.Request) (int, gjson.Result, http.Header) {
	ts.t.Helper()
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		ts.t.Fatalf("%s %s: %s", req.Method, req.URL.Path, err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		ts.t.Fatal(err)
	}
	if !gjson.ValidBytes(b) {
		ts.t.Fatalf("%s returned invalid JSON: %s", req.URL.Path, b)
	}
	return res.StatusCode, gjson.ParseBytes(b), res.Header
}

func assertEnvelope(t *testing.T, body gjson.Result, hdr http.Header, ok bool) {
	t.Helper()
	if body.Get("ok").Bool() != ok {
		t.Errorf("ok=%v want %v: %s", body.Get("ok").Bool(), ok, body.Raw)
	}
	if body.Get("schema_version").Int() != 1 {
		t.Errorf("schema_version=%s", body.Get("schema_version").Raw)
	}
	if _, err := time.Parse(time.RFC3339, body.Get("server_time").Str); err != nil {
		t.Errorf("server_time %q: %s", body.Get("server_time").Str, err)
	}
	rid := body.Get("request_id").Str
	if rid == "" || hdr.Get("X-Request-ID") != rid {
		t.Errorf("request_id=%q header=%q", rid, hdr.Get("X-Request-ID"))
	}
}

func TestAuthErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.store.addDevice("good", "DEV", "alice")
	ts.store.addDevice("old", "OLD", "alice")
	ts.store.revoked["old"] = true

	testCases := []struct {
		name     string
		token    string
		wantCode int
		wantErr  string
	}{
		{name: "missing", token: "", wantCode: 401, wantErr: "missing_token"},
		{name: "unknown", token: "nope", wantCode: 403, wantErr: "invalid_token"},
		{name: "revoked", token: "old", wantCode: 403, wantErr: "revoked_token"},
	}
	for _, tc := range testCases {
		code, body, hdr := ts.post("/api/tracker/points", tc.token, `{"points":[]}`)
		if code != tc.wantCode || body.Get("code").Str != tc.wantErr {
			t.Errorf("%s: got %d %s want %d %s", tc.name, code, body.Get("code").Str, tc.wantCode, tc.wantErr)
		}
		assertEnvelope(t, body, hdr, false)
	}

	t.Log("Bearer tokens work too, and a client request id is echoed back.")
	req, _ := http.NewRequest(http.MethodPost, ts.srv.URL+"/api/tracker/stop", nil)
	req.Header.Set("Authorization", "Bearer good")
	req.Header.Set("X-Request-ID", "req-123")
	code, body, hdr := ts.do(req)
	if code != 200 || body.Get("message").Str != "no_active_session" {
		t.Fatalf("stop: %d %s", code, body.Raw)
	}
	assertEnvelope(t, body, hdr, true)
	if body.Get("request_id").Str != "req-123" {
		t.Errorf("request_id=%s want req-123", body.Get("request_id").Str)
	}
}

func TestSubmitPoints(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.store.addDevice("tok", "DEV", "alice")
	now := time.Now().UnixMilli()

	body := fmt.Sprintf(`{"points":[
		{"ts": %d, "lat": 53.9, "lon": 27.56, "acc": 6},
		{"timestamp": %d, "latitude": 53.9001, "longitude": 27.5601},
		{"ts": %d, "lat": 200, "lon": 27.56}
	]}`, now-2000, now-1000, now)
	code, res, hdr := ts.post("/api/tracker/points", "tok", body)
	if code != 200 {
		t.Fatalf("points: %d %s", code, res.Raw)
	}
	assertEnvelope(t, res, hdr, true)
	if res.Get("accepted").Int() != 2 || res.Get("rejected").Int() != 1 || res.Get("dedup").Int() != 0 {
		t.Errorf("counts wrong: %s", res.Raw)
	}
	if res.Get("first_ts").Int() != now-2000 || res.Get("last_ts").Int() != now-1000 {
		t.Errorf("first/last wrong: %s", res.Raw)
	}
	sessionID := res.Get("session_id").Int()

	t.Log("The upload opened a session, so tracking_started precedes the points.")
	types := ts.notifier.types()
	want := []string{"tracking_started", "tracking_point", "tracking_point"}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Errorf("published %v want %v", types, want)
	}

	t.Log("Replaying the batch into the same session only dedups.")
	code, res, _ = ts.post("/api/tracker/points", "tok", fmt.Sprintf(`{"session_id": %d, "points":[{"ts": %d, "lat": 53.9, "lon": 27.56}]}`, sessionID, now-2000))
	if code != 200 || res.Get("accepted").Int() != 0 || res.Get("dedup").Int() != 1 {
		t.Errorf("replay: %d %s", code, res.Raw)
	}
	if res.Get("first_ts").Type != gjson.Null {
		t.Errorf("first_ts should be null when nothing was accepted: %s", res.Raw)
	}
}

func TestSubmitPointsSessionInactive(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.store.addDevice("tok", "DEV", "alice")

	code, res, _ := ts.post("/api/tracker/points", "tok", `{"session_id": 99, "points":[]}`)
	if code != 409 || res.Get("code").Str != "session_inactive" {
		t.Fatalf("got %d %s want 409 session_inactive", code, res.Raw)
	}
	if v := res.Get("details.active_session_id"); !v.Exists() || v.Type != gjson.Null {
		t.Errorf("active_session_id should be null: %s", res.Raw)
	}

	code, res, _ = ts.post("/api/tracker/start", "tok", `{"lat": 53.9, "lon": 27.5}`)
	if code != 200 || res.Get("device_id").Str != "DEV" || res.Get("user_id").Str != "alice" {
		t.Fatalf("start: %d %s", code, res.Raw)
	}
	active := res.Get("session_id").Int()

	code, res, _ = ts.post("/api/tracker/points", "tok", `{"session_id": 99, "points":[]}`)
	if code != 409 || res.Get("details.active_session_id").Int() != active {
		t.Fatalf("got %d %s want active %d", code, res.Raw, active)
	}

	code, res, _ = ts.post("/api/tracker/points", "tok", `{"session_id": "abc"}`)
	if code != 400 || res.Get("code").Str != "bad_request" {
		t.Errorf("non-numeric session id: %d %s", code, res.Raw)
	}
}

func TestStartStopPublishes(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.store.addDevice("tok", "DEV", "alice")

	_, first, _ := ts.post("/api/tracker/start", "tok", `{}`)
	_, second, _ := ts.post("/api/tracker/start", "tok", `{}`)
	code, stop, _ := ts.post("/api/tracker/stop", "tok", fmt.Sprintf(`{"session_id": %d}`, first.Get("session_id").Int()))
	if code != 200 || stop.Get("session_id").Int() != second.Get("session_id").Int() {
		t.Fatalf("stop closed %s want the active session %d", stop.Raw, second.Get("session_id").Int())
	}
	want := []string{"tracking_started", "tracking_stopped", "tracking_started", "tracking_stopped"}
	if got := ts.notifier.types(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("published %v want %v", got, want)
	}
}

func TestRateLimited(t *testing.T) {
	ts := newTestServer(t, func(o *Options) {
		o.HealthPerMinute = 2
	})
	ts.store.addDevice("tok", "DEV", "alice")
	ts.store.addDevice("other", "DEV2", "bob")

	for i := 0; i < 2; i++ {
		if code, res, _ := ts.post("/api/tracker/health", "tok", `{}`); code != 200 {
			t.Fatalf("health %d: %d %s", i, code, res.Raw)
		}
	}
	code, res, hdr := ts.post("/api/tracker/health", "tok", `{}`)
	if code != 429 || res.Get("code").Str != "rate_limited" {
		t.Fatalf("got %d %s want 429", code, res.Raw)
	}
	if res.Get("details.reason").Str != "health" || res.Get("details.limit").Int() != 2 || res.Get("details.window_sec").Int() != 60 {
		t.Errorf("details wrong: %s", res.Raw)
	}
	if hdr.Get("Retry-After") == "" {
		t.Errorf("missing Retry-After")
	}

	t.Log("Limits are per device and per bucket.")
	if code, _, _ := ts.post("/api/tracker/health", "other", `{}`); code != 200 {
		t.Errorf("other device limited: %d", code)
	}
	if code, _, _ := ts.post("/api/tracker/points", "tok", `{}`); code != 200 {
		t.Errorf("points bucket limited: %d", code)
	}
}

func TestGzipBody(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.store.addDevice("tok", "DEV", "alice")

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	fmt.Fprintf(zw, `{"points":[{"ts": %d, "lat": 1.5, "lon": 2.5}]}`, time.Now().UnixMilli())
	zw.Close()
	code, res, _ := ts.post("/api/tracker/points", "tok", buf.String(), "Content-Encoding", "gzip")
	if code != 200 || res.Get("accepted").Int() != 1 {
		t.Fatalf("gzip upload: %d %s", code, res.Raw)
	}

	code, res, _ = ts.post("/api/tracker/points", "tok", "not gzip", "Content-Encoding", "gzip")
	if code != 400 {
		t.Errorf("bad gzip: %d %s", code, res.Raw)
	}
	code, _, _ = ts.post("/api/tracker/points", "tok", `[1,2]`)
	if code != 400 {
		t.Errorf("array body: %d", code)
	}
}

func TestSubmitHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.store.addDevice("tok", "DEV", "alice")

	code, res, _ := ts.post("/api/tracker/health", "tok", `{"battery_pct": 55, "gps_on": true, "extra": {"os": "android"}}`)
	if code != 200 || res.Get("health.battery_pct").Int() != 55 || res.Get("health.extra.os").Str != "android" {
		t.Fatalf("health: %d %s", code, res.Raw)
	}
	if h := ts.store.health["DEV"]; h == nil || h.GPSOn == nil || !*h.GPSOn {
		t.Errorf("health not stored: %+v", h)
	}
	if got := ts.notifier.types(); len(got) != 1 || got[0] != "tracker_health" {
		t.Errorf("published %v", got)
	}
}

func wifiJSON(n, rssi int) string {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i := 0; i < n; i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, `{"bssid":"aa:bb:cc:00:00:%02x","rssi":%d}`, i, rssi)
	}
	buf.WriteByte(']')
	return buf.String()
}

func TestSubmitFingerprintsLocalizes(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.store.addDevice("tok", "DEV", "alice")
	acc := 10.0
	var wifi []fingerprint.WifiObservation
	for i := 0; i < 6; i++ {
		wifi = append(wifi, fingerprint.NewWifiObservation(fmt.Sprintf("aa:bb:cc:00:00:%02x", i), "", -60, 0))
	}
	ts.store.anchors = []fingerprint.Anchor{
		{ID: 1, TimestampMs: 1, Lat: 53.9, Lon: 27.56, AccuracyM: &acc, Wifi: wifi},
	}
	if code, res, _ := ts.post("/api/tracker/start", "tok", `{}`); code != 200 {
		t.Fatalf("start: %d %s", code, res.Raw)
	}

	body := fmt.Sprintf(`{"samples":[{"wifi": %s, "purpose": "locate"}, "junk"]}`, wifiJSON(6, -62))
	code, res, _ := ts.post("/api/tracker/fingerprints", "tok", body)
	if code != 200 {
		t.Fatalf("fingerprints: %d %s", code, res.Raw)
	}
	if res.Get("stored").Int() != 1 || res.Get("dropped").Int() != 1 {
		t.Errorf("counts wrong: %s", res.Raw)
	}
	if !res.Get("localized").Bool() || !res.Get("pos_est").Exists() {
		t.Fatalf("expected an estimate: %s", res.Raw)
	}
	if res.Get("pos_est.accuracy_m").Float() < acc {
		t.Errorf("estimate claims better accuracy than its anchor: %s", res.Get("pos_est").Raw)
	}
	if ts.store.pointCount(state.SourceWifiEst) != 1 {
		t.Errorf("estimated point not injected")
	}
	if ts.store.estimates["DEV"] == nil {
		t.Errorf("estimate not attached to health")
	}
	for _, s := range ts.store.samples {
		for _, w := range s.Wifi {
			if len(w.BSSIDHash) != 64 {
				t.Errorf("stored identifier is not a digest: %q", w.BSSIDHash)
			}
		}
	}

	t.Log("A second match within the interval answers but does not inject another point.")
	time.Sleep(2 * time.Millisecond)
	code, res, _ = ts.post("/api/tracker/fingerprints", "tok", body)
	if code != 200 || !res.Get("localized").Bool() {
		t.Fatalf("second: %d %s", code, res.Raw)
	}
	if n := ts.store.pointCount(state.SourceWifiEst); n != 1 {
		t.Errorf("got %d estimated points want 1", n)
	}
	types := ts.notifier.types()
	if types[len(types)-1] != "tracker_fingerprint" {
		t.Errorf("last payload %s want tracker_fingerprint", types[len(types)-1])
	}
}

func TestSubmitFingerprintsNoMatch(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.store.addDevice("tok", "DEV", "alice")

	t.Log("Two shared access points are not enough for an estimate.")
	var wifi []fingerprint.WifiObservation
	for i := 0; i < 2; i++ {
		wifi = append(wifi, fingerprint.NewWifiObservation(fmt.Sprintf("aa:bb:cc:00:00:%02x", i), "", -60, 0))
	}
	ts.store.anchors = []fingerprint.Anchor{{ID: 1, Lat: 1, Lon: 1, Wifi: wifi}}

	code, res, _ := ts.post("/api/tracker/fingerprints", "tok", fmt.Sprintf(`{"wifi": %s}`, wifiJSON(4, -60)))
	if code != 200 {
		t.Fatalf("fingerprints: %d %s", code, res.Raw)
	}
	if res.Get("localized").Bool() || res.Get("pos_est").Exists() {
		t.Errorf("unexpected estimate: %s", res.Raw)
	}
	if !res.Get("localized").Exists() {
		t.Errorf("localized should be reported when a match was attempted: %s", res.Raw)
	}

	code, res, _ = ts.post("/api/tracker/fingerprints", "tok", `{"samples": 5}`)
	if code != 400 {
		t.Errorf("bad samples: %d %s", code, res.Raw)
	}
}

// slowEstimateStore parks InsertEstimate for one device until released.
type slowEstimateStore struct {
	*fakeStore
	slowDevice string
	entered    chan struct{}
	release    chan struct{}
}

func (s *slowEstimateStore) InsertEstimate(ctx context.Context, dev *state.Device, p state.Point) (*state.Point, error) {
	if dev.DeviceID == s.slowDevice {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.fakeStore.InsertEstimate(ctx, dev, p)
}

func TestEstimateInsertsDoNotBlockOtherDevices(t *testing.T) {
	ctx := context.Background()
	store := &slowEstimateStore{
		fakeStore:  newFakeStore(),
		slowDevice: "SLOW",
		entered:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
	slow := store.addDevice("t1", "SLOW", "alice")
	fast := store.addDevice("t2", "FAST", "bob")
	store.StartSession(ctx, slow, nil, nil)
	store.StartSession(ctx, fast, nil, nil)
	h := NewHandler(store, &recordingNotifier{}, DefaultOptions(), false)
	defer h.Teardown()
	est := &fingerprint.Estimate{Lat: 1, Lon: 1, AccuracyM: 40, Confidence: 0.8}

	slowDone := make(chan struct{})
	go func() {
		h.applyEstimate(ctx, slow, est)
		close(slowDone)
	}()
	<-store.entered

	t.Log("Another device gets its estimate while the first insert is stuck.")
	fastDone := make(chan struct{})
	go func() {
		h.applyEstimate(ctx, fast, est)
		close(fastDone)
	}()
	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		close(store.release)
		t.Fatalf("estimate for FAST waited on SLOW")
	}

	t.Log("The stuck device's slot is already taken, so a second estimate is throttled.")
	h.applyEstimate(ctx, slow, est)

	close(store.release)
	<-slowDone
	if n := store.pointCount(state.SourceWifiEst); n != 2 {
		t.Fatalf("got %d estimated points want 2", n)
	}
}

func TestEstimateSlotReleasedWithoutSession(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	dev := store.addDevice("tok", "DEV", "alice")
	h := NewHandler(store, &recordingNotifier{}, DefaultOptions(), false)
	defer h.Teardown()
	est := &fingerprint.Estimate{Lat: 1, Lon: 1, AccuracyM: 40, Confidence: 0.8}

	h.applyEstimate(ctx, dev, est)
	if n := store.pointCount(state.SourceWifiEst); n != 0 {
		t.Fatalf("estimate stored without a session")
	}
	t.Log("Once a session exists the next estimate is not throttled.")
	store.StartSession(ctx, dev, nil, nil)
	h.applyEstimate(ctx, dev, est)
	if n := store.pointCount(state.SourceWifiEst); n != 1 {
		t.Fatalf("got %d estimated points want 1", n)
	}
}
