package pubsub

// The channel which carries dashboard events.
const ChanTracking = "trackingch"

type TrackingListener interface {
	OnTrackingPoint(p *TrackingPoint)
	OnTrackingStarted(p *TrackingStarted)
	OnTrackingStopped(p *TrackingStopped)
	OnTrackerHealth(p *TrackerHealth)
	OnTrackerFingerprint(p *TrackerFingerprint)
	OnTrackerAlert(p *TrackerAlert)
	OnTrackerAlertClosed(p *TrackerAlertClosed)
}

// TrackingPoint is a stored point, either a device fix or a server estimate.
type TrackingPoint struct {
	UserID     string   `json:"user_id"`
	DeviceID   string   `json:"device_id"`
	SessionID  int64    `json:"session_id"`
	TsMs       int64    `json:"ts"`
	Lat        float64  `json:"lat"`
	Lon        float64  `json:"lon"`
	AccuracyM  *float64 `json:"accuracy_m"`
	SpeedMps   *float64 `json:"speed_mps,omitempty"`
	BearingDeg *float64 `json:"bearing_deg,omitempty"`
	Source     string   `json:"source"`
	Flags      []string `json:"flags,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

func (v TrackingPoint) Type() string { return "tracking_point" }

type TrackingStarted struct {
	UserID      string   `json:"user_id"`
	DeviceID    string   `json:"device_id"`
	SessionID   int64    `json:"session_id"`
	StartedAtMs int64    `json:"started_at"`
	Lat         *float64 `json:"lat,omitempty"`
	Lon         *float64 `json:"lon,omitempty"`
	// set when the session was opened implicitly by an upload
	Auto bool `json:"auto,omitempty"`
}

func (v TrackingStarted) Type() string { return "tracking_started" }

type TrackingStopped struct {
	UserID    string `json:"user_id"`
	DeviceID  string `json:"device_id"`
	SessionID int64  `json:"session_id"`
	EndedAtMs int64  `json:"ended_at"`
}

func (v TrackingStopped) Type() string { return "tracking_stopped" }

// TrackerHealth carries the device's latest heartbeat, already JSON encoded.
type TrackerHealth struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	Health   []byte `json:"-"`
}

func (v TrackerHealth) Type() string { return "tracker_health" }

type TrackerFingerprint struct {
	UserID    string      `json:"user_id"`
	DeviceID  string      `json:"device_id"`
	Stored    int         `json:"stored"`
	Dropped   int         `json:"dropped"`
	Localized bool        `json:"localized"`
	PosEst    interface{} `json:"pos_est,omitempty"`
}

func (v TrackerFingerprint) Type() string { return "tracker_fingerprint" }

// TrackerAlert is a device problem which was raised or whose severity or message changed.
type TrackerAlert struct {
	UserID      string                 `json:"user_id"`
	DeviceID    string                 `json:"device_id"`
	Kind        string                 `json:"kind"`
	Severity    string                 `json:"severity"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"payload,omitempty"`
	RaisedAtMs  int64                  `json:"created_at"`
	UpdatedAtMs int64                  `json:"updated_at"`
}

func (v TrackerAlert) Type() string { return "tracker_alert" }

type TrackerAlertClosed struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	Kind     string `json:"kind"`
}

func (v TrackerAlertClosed) Type() string { return "tracker_alert_closed" }

type TrackingSub struct {
	listener Listener
	receiver TrackingListener
}

func NewTrackingSub(l Listener, recv TrackingListener) *TrackingSub {
	return &TrackingSub{
		listener: l,
		receiver: recv,
	}
}

func (v *TrackingSub) Teardown() {
	v.listener.Close()
}

func (v *TrackingSub) onMessage(p Payload) {
	switch p.Type() {
	case TrackingPoint{}.Type():
		v.receiver.OnTrackingPoint(p.(*TrackingPoint))
	case TrackingStarted{}.Type():
		v.receiver.OnTrackingStarted(p.(*TrackingStarted))
	case TrackingStopped{}.Type():
		v.receiver.OnTrackingStopped(p.(*TrackingStopped))
	case TrackerHealth{}.Type():
		v.receiver.OnTrackerHealth(p.(*TrackerHealth))
	case TrackerFingerprint{}.Type():
		v.receiver.OnTrackerFingerprint(p.(*TrackerFingerprint))
	case TrackerAlert{}.Type():
		v.receiver.OnTrackerAlert(p.(*TrackerAlert))
	case TrackerAlertClosed{}.Type():
		v.receiver.OnTrackerAlertClosed(p.(*TrackerAlertClosed))
	}
}

// Listen blocks until the underlying listener is closed.
func (v *TrackingSub) Listen() error {
	return v.listener.Listen(ChanTracking, v.onMessage)
}
