package cloud

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kwv/cpdmesh/cpd"
)

// DefaultPublishPrefix is the topic prefix when none is configured.
const DefaultPublishPrefix = "cpdmesh"

// StartMessage is published on {prefix}/{runID}/start.
type StartMessage struct {
	RunID        string   `json:"runId"`
	Transform    cpd.Kind `json:"transform"`
	Comparer     string   `json:"comparer"`
	FixedPoints  int      `json:"fixedPoints"`
	MovingPoints int      `json:"movingPoints"`
	Dimensions   int      `json:"dimensions"`
	Sigma2       float64  `json:"sigma2"`
	Sigma2Source string   `json:"sigma2Source"`
	Normalized   bool     `json:"normalized"`
	Timestamp    int64    `json:"timestamp"`
}

// IterationMessage is published on {prefix}/{runID}/iteration.
type IterationMessage struct {
	RunID     string  `json:"runId"`
	Iteration int     `json:"iteration"`
	L         float64 `json:"l"`
	Change    float64 `json:"change"`
	Sigma2    float64 `json:"sigma2"`
	Timestamp int64   `json:"timestamp"`
}

// Publisher streams registration progress to MQTT. It implements
// cpd.Observer; publish failures are logged and kept in Err because the
// observer callbacks cannot fail a run.
type Publisher struct {
	client        mqtt.Client
	runID         string
	publishPrefix string
	qos           byte
	retain        bool
	every         int

	mu       sync.Mutex
	comparer string
	lastErr  error
	sent     int
}

// NewPublisher creates a publisher for one run.
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client, runID, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}
	return &Publisher{
		client:        client,
		runID:         runID,
		publishPrefix: prefix,
		qos:           0,    // progress updates are fire and forget
		retain:        true, // keep the latest state for late subscribers
		every:         1,
	}
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// SetEvery publishes only every n-th iteration. The first and last
// iterations are covered by the start and result messages.
func (p *Publisher) SetEvery(n int) {
	if n > 0 {
		p.every = n
	}
}

// Topic returns the topic for a message kind of this run.
func (p *Publisher) Topic(kind string) string {
	return fmt.Sprintf("%s/%s/%s", p.publishPrefix, p.runID, kind)
}

// Err returns the last publish error, if any.
func (p *Publisher) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Sent returns the number of messages delivered to the client.
func (p *Publisher) Sent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

func (p *Publisher) OnStart(e cpd.StartEvent) {
	p.mu.Lock()
	p.comparer = e.Comparer
	p.mu.Unlock()

	p.publish("start", StartMessage{
		RunID:        p.runID,
		Transform:    e.Transform,
		Comparer:     e.Comparer,
		FixedPoints:  e.FixedPoints,
		MovingPoints: e.MovingPoints,
		Dimensions:   e.Dimensions,
		Sigma2:       e.Sigma2,
		Sigma2Source: e.Sigma2Source,
		Normalized:   e.Normalized,
		Timestamp:    time.Now().Unix(),
	})
}

func (p *Publisher) OnIteration(e cpd.IterationEvent) {
	if e.Iteration%p.every != 0 {
		return
	}
	p.publish("iteration", IterationMessage{
		RunID:     p.runID,
		Iteration: e.Iteration,
		L:         e.L,
		Change:    e.Change,
		Sigma2:    e.Sigma2,
		Timestamp: time.Now().Unix(),
	})
}

func (p *Publisher) OnFinish(r *cpd.Result) {
	p.mu.Lock()
	comparer := p.comparer
	p.mu.Unlock()

	if err := p.publish("result", NewResultRecord(p.runID, comparer, r)); err == nil {
		log.Printf("Published %s result for run %s (%d iterations, %s)",
			r.Transform, p.runID, r.Iterations, r.StopReason)
	}
}

func (p *Publisher) publish(kind string, msg any) error {
	err := p.send(p.Topic(kind), msg)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.lastErr = err
		log.Printf("Error publishing %s message: %v", kind, err)
		return err
	}
	p.sent++
	return nil
}

func (p *Publisher) send(topic string, msg any) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}
