package pubsub

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrBufferFull is returned by Notify when the payload was dropped because nobody
// is draining the channel fast enough.
var ErrBufferFull = errors.New("pubsub: buffer full, payload dropped")

// Every payload needs a type to distinguish what kind of update it is.
type Payload interface {
	Type() string
}

// Listener represents the common functions required by all subscription listeners
type Listener interface {
	// Begin listening on this channel with this callback. Blocks until Close() is called.
	Listen(chanName string, fn func(p Payload)) error
	// Close the listener. No more callbacks should fire.
	Close() error
}

// Notifier represents the common functions required by all notifiers
type Notifier interface {
	// Notify chanName that there is a new payload p. Never blocks: a payload which
	// cannot be buffered is dropped and ErrBufferFull returned.
	Notify(chanName string, p Payload) error
	// Close is called when we should stop listening.
	Close() error
}

type PubSub struct {
	chans      map[string]chan Payload
	mu         *sync.Mutex
	closed     bool
	bufferSize int
}

func NewPubSub(bufferSize int) *PubSub {
	return &PubSub{
		chans:      make(map[string]chan Payload),
		mu:         &sync.Mutex{},
		bufferSize: bufferSize,
	}
}

func (ps *PubSub) getChan(chanName string) chan Payload {
	ch := ps.chans[chanName]
	if ch == nil {
		ch = make(chan Payload, ps.bufferSize)
		ps.chans[chanName] = ch
	}
	return ch
}

func (ps *PubSub) Notify(chanName string, p Payload) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil
	}
	select {
	case ps.getChan(chanName) <- p:
		return nil
	default:
		return ErrBufferFull
	}
}

func (ps *PubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil
	}
	ps.closed = true
	for _, ch := range ps.chans {
		close(ch)
	}
	return nil
}

func (ps *PubSub) Listen(chanName string, fn func(p Payload)) error {
	ps.mu.Lock()
	ch := ps.chans[chanName]
	if ch == nil {
		if ps.closed {
			ps.mu.Unlock()
			return nil
		}
		ch = ps.getChan(chanName)
	}
	ps.mu.Unlock()
	// a closed channel still yields whatever was buffered before Close
	for payload := range ch {
		fn(payload)
	}
	return nil
}

// Wrapper around a Notifier which adds Prometheus metrics
type PromNotifier struct {
	Notifier
	msgCounter  *prometheus.CounterVec
	dropCounter *prometheus.CounterVec
}

func (p *PromNotifier) Notify(chanName string, payload Payload) error {
	err := p.Notifier.Notify(chanName, payload)
	if errors.Is(err, ErrBufferFull) {
		p.dropCounter.WithLabelValues(payload.Type()).Inc()
		return err
	}
	p.msgCounter.WithLabelValues(payload.Type()).Inc()
	return err
}

func (p *PromNotifier) Close() error {
	prometheus.Unregister(p.msgCounter)
	prometheus.Unregister(p.dropCounter)
	return p.Notifier.Close()
}

// Wrap a notifier for prometheus metrics
func NewPromNotifier(n Notifier, subsystem string) Notifier {
	p := &PromNotifier{
		Notifier: n,
		msgCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracklink",
			Subsystem: subsystem,
			Name:      "num_payloads",
			Help:      "Number of payloads published",
		}, []string{"payload_type"}),
		dropCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracklink",
			Subsystem: subsystem,
			Name:      "num_payloads_dropped",
			Help:      "Number of payloads dropped because the buffer was full",
		}, []string{"payload_type"}),
	}
	prometheus.MustRegister(p.msgCounter, p.dropCounter)
	return p
}
