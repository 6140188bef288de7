// Package audit ships security events to the shared Kafka topic without
// blocking request handling. Events carry who and what, never credential
// material such as codes or tokens.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tenantry/auth-service/internal/util"
)

// Event kinds.
const (
	EventSignInSucceeded = "signin.succeeded"
	EventSignInFailed    = "signin.failed"
	EventOTPRequested    = "otp.requested"
	EventOTPVerified     = "otp.verified"
	EventTokenRotated    = "token.rotated"
	EventTokenRevoked    = "token.revoked"
	EventSessionEnded    = "session.ended"
	EventResetRequested  = "reset.requested"
	EventResetCompleted  = "reset.completed"
	EventCredsCreated    = "appcreds.created"
	EventRateLimited     = "request.ratelimited"
)

type Event struct {
	Kind      string    `json:"kind"`
	At        time.Time `json:"at"`
	Actor     string    `json:"actor,omitempty"`
	Route     string    `json:"route,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// Publisher is the sink the recorder drains into.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte) error
}

const shipTimeout = 5 * time.Second

// Recorder queues events and ships them from one background goroutine.
// A full queue drops the event and counts it; authentication latency never
// waits on the audit pipeline.
type Recorder struct {
	sink      Publisher
	events    chan Event
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	dropped   atomic.Int64
}

func NewRecorder(sink Publisher, queueSize int) *Recorder {
	r := &Recorder{
		sink:   sink,
		events: make(chan Event, queueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// NewNopRecorder returns a recorder that discards everything. Used when no
// brokers are configured.
func NewNopRecorder() *Recorder {
	return &Recorder{}
}

// Record queues one event, dropping it if the pipeline is saturated.
func (r *Recorder) Record(e Event) {
	if r.events == nil || r.closed.Load() {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	select {
	case r.events <- e:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) run() {
	for e := range r.events {
		r.ship(e)
	}
	close(r.done)
}

func (r *Recorder) ship(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		util.Error("failed to encode audit event", zap.String("kind", e.Kind), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shipTimeout)
	defer cancel()

	if err := r.sink.Publish(ctx, []byte(e.Kind), payload); err != nil {
		util.Warn("failed to publish audit event", zap.String("kind", e.Kind), zap.Error(err))
	}
}

// Close drains queued events and stops the pipeline.
func (r *Recorder) Close() {
	if r.events == nil {
		return
	}
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.events)
		<-r.done
		if n := r.dropped.Load(); n > 0 {
			util.Warn("audit events dropped under pressure", zap.Int64("count", n))
		}
	})
}
