package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/sweeney/filament-sensor/internal/jobctl"
)

const (
	publishTimeout = 5 * time.Second
	connectWait    = 10 * time.Second
	bufferSize     = 100
	jobEventQueue  = 32
)

// Options configures a RealPublisher.
type Options struct {
	Broker   string
	ClientID string
	Prefix   string
	Username string
	Password string

	// OnConnectionChange, if set, is called with the new connection state.
	OnConnectionChange func(connected bool)
}

// RealPublisher publishes to an actual MQTT broker. Messages published
// while disconnected are buffered and replayed on reconnect.
type RealPublisher struct {
	client paho.Client
	topics Topics
	onConn func(bool)

	mu        sync.Mutex
	connected bool
	buffer    *ringBuffer
	jobs      *jobQueue
	everUp    bool
}

// jobQueue applies job events one at a time in arrival order, off the
// paho router goroutine.
type jobQueue struct {
	events  chan jobctl.Event
	handler jobctl.EventHandler
	done    chan struct{}
	once    sync.Once
}

func newJobQueue(handler jobctl.EventHandler) *jobQueue {
	q := &jobQueue{
		events:  make(chan jobctl.Event, jobEventQueue),
		handler: handler,
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// push queues ev without blocking. It returns false when the queue is
// full or stopped.
func (q *jobQueue) push(ev jobctl.Event) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.events <- ev:
		return true
	default:
		log.Warnf("mqtt: job event queue full, dropping %s", ev)
		return false
	}
}

func (q *jobQueue) run() {
	for {
		select {
		case <-q.done:
			return
		case ev := <-q.events:
			q.handler(ev)
		}
	}
}

func (q *jobQueue) stop() {
	q.once.Do(func() { close(q.done) })
}

// NewRealPublisher creates a publisher and starts connecting to the broker.
// An unreachable broker is not an error: the client keeps retrying in the
// background and messages are buffered until it connects.
func NewRealPublisher(o Options) (*RealPublisher, error) {
	if o.Broker == "" {
		return nil, fmt.Errorf("no broker configured")
	}
	if o.ClientID == "" {
		o.ClientID = "filament-sensor"
	}
	p := &RealPublisher{
		topics: TopicsFor(o.Prefix),
		onConn: o.OnConnectionChange,
		buffer: newRingBuffer(bufferSize),
	}

	will, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "SHUTDOWN", Reason: "MQTT_DISCONNECT"})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetUsername(o.Username).
		SetPassword(o.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(true).
		SetBinaryWill(p.topics.System, will, 1, false).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectWait) {
		log.Warnf("mqtt: broker %s not reachable yet, buffering until connected", o.Broker)
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

func (p *RealPublisher) onConnect(c paho.Client) {
	p.mu.Lock()
	p.connected = true
	reconnect := p.everUp
	p.everUp = true
	pending := p.buffer.drainAll()
	subscribed := p.jobs != nil
	p.mu.Unlock()

	log.Info("mqtt: connected")
	if subscribed {
		if err := p.subscribe(); err != nil {
			log.WithError(err).Warn("mqtt: resubscribe failed")
		}
	}
	for _, m := range pending {
		if err := p.send(m); err != nil {
			log.WithError(err).Warnf("mqtt: replay to %s failed", m.topic)
		}
	}
	if reconnect {
		p.PublishSystem(SystemEvent{Timestamp: time.Now(), Event: "RECONNECTED"})
	}
	if p.onConn != nil {
		p.onConn(true)
	}
}

func (p *RealPublisher) onConnectionLost(c paho.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()

	log.WithError(err).Warn("mqtt: connection lost")
	if p.onConn != nil {
		p.onConn(false)
	}
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Publish sends a filament event to the topic chosen by Topics.Route.
func (p *RealPublisher) Publish(event string, payload map[string]any) error {
	data, err := FormatPayload(event, payload)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	topic, qos, retained := p.topics.Route(event)
	return p.publish(bufferedMsg{topic: topic, payload: data, qos: qos, retained: retained})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	data, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	// QoS 1 (at-least-once) - we want shutdown events delivered
	return p.publish(bufferedMsg{topic: p.topics.System, payload: data, qos: 1, retained: event.Retained})
}

func (p *RealPublisher) publish(m bufferedMsg) error {
	p.mu.Lock()
	if !p.connected {
		p.buffer.push(m)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.send(m)
}

func (p *RealPublisher) send(m bufferedMsg) error {
	token := p.client.Publish(m.topic, m.qos, m.retained, m.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", m.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", m.topic, err)
	}
	return nil
}

// SubscribeJobEvents delivers OctoPrint job events to handler. The
// subscription is renewed after every reconnect. Events reach handler one
// at a time, in the order the broker delivered them.
func (p *RealPublisher) SubscribeJobEvents(handler jobctl.EventHandler) error {
	q := newJobQueue(handler)
	p.mu.Lock()
	if p.jobs != nil {
		p.jobs.stop()
	}
	p.jobs = q
	connected := p.connected
	p.mu.Unlock()

	if !connected {
		return nil
	}
	return p.subscribe()
}

// onJobTopic queues the job event named by topic. It runs on the paho
// router goroutine and must not block.
func (p *RealPublisher) onJobTopic(topic string) {
	ev, ok := ParseOctoPrintTopic(topic)
	if !ok {
		return
	}
	p.mu.Lock()
	q := p.jobs
	p.mu.Unlock()
	if q == nil {
		return
	}
	log.WithField("topic", topic).Debugf("mqtt: job event %s", ev)
	q.push(ev)
}

func (p *RealPublisher) subscribe() error {
	filter := OctoPrintEventPrefix + "+"
	token := p.client.Subscribe(filter, 1, func(_ paho.Client, msg paho.Message) {
		p.onJobTopic(msg.Topic())
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe %s: timeout", filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	return nil
}

// Close disconnects from the broker and stops job event delivery.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	p.mu.Lock()
	if p.jobs != nil {
		p.jobs.stop()
	}
	p.mu.Unlock()
	return nil
}
