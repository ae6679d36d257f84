// Package broker owns live dashboard connections: their authentication state,
// topic subscriptions, and scoped fanout of messages.
//
// A single RWMutex guards the connection table and the per-topic sets.
// Delivery always happens outside the lock on a resolved recipient snapshot,
// so a slow consumer never blocks registration or other broadcasts.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-analytics/internal/metrics"
	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

// Close codes sent to clients.
const (
	CloseNormal         = 1000
	CloseInternalError  = 1011
	CloseAuthFailed     = 4001
	CloseAccessDenied   = 4003
	CloseNoShopBound    = 4004
	CloseDeliveryFailed = 4008
)

const (
	DefaultIdleTimeout = 30 * time.Minute
	DefaultAuthGrace   = 10 * time.Second
	DefaultSendTimeout = 5 * time.Second
)

// Sender is the outbound half of a transport connection.
type Sender interface {
	Send(ctx context.Context, msg models.Message) error
	Close(code int, reason string) error
}

// State is the lifecycle stage of a connection.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateSubscribed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	}
	return "disconnected"
}

// ScopeFilters narrow what a subscription receives.
type ScopeFilters struct {
	ShopID string `json:"shop_id,omitempty"`
}

// Subscription is a read-only view of one topic subscription.
type Subscription struct {
	ConnectionID string       `json:"connection_id"`
	ActorID      string       `json:"actor_id"`
	ActorRole    string       `json:"actor_role"`
	Topic        models.Topic `json:"topic"`
	ScopeFilters ScopeFilters `json:"scope_filters"`
	ConnectedAt  time.Time    `json:"connected_at"`
	LastActivity time.Time    `json:"last_activity"`
}

// DeliveryReport summarises one Broadcast.
type DeliveryReport struct {
	Topic     models.Topic `json:"topic"`
	Attempted int          `json:"attempted"`
	Delivered int          `json:"delivered"`
	Failed    []string     `json:"failed,omitempty"`
}

// SweepReport summarises one Sweep.
type SweepReport struct {
	Idle            []string
	Unauthenticated []string
}

// Stats describes the current connection population.
type Stats struct {
	TotalConnections int            `json:"total_connections"`
	Authenticated    int            `json:"authenticated"`
	ByRole           map[string]int `json:"by_role"`
	ByTopic          map[string]int `json:"by_topic"`
	UniqueActors     int            `json:"unique_actors"`
}

type conn struct {
	id           string
	sender       Sender
	state        State
	actor        models.Actor
	connectedAt  time.Time
	lastActivity time.Time
	topics       map[models.Topic]ScopeFilters
}

// Broker is the connection registry and fanout engine.
type Broker struct {
	mu     sync.RWMutex
	conns  map[string]*conn
	topics map[models.Topic]map[string]struct{}

	idleTimeout time.Duration
	authGrace   time.Duration
	sendTimeout time.Duration

	log *zap.Logger
	now func() time.Time
}

// Option configures a Broker.
type Option func(*Broker)

func WithIdleTimeout(d time.Duration) Option { return func(b *Broker) { b.idleTimeout = d } }
func WithAuthGrace(d time.Duration) Option   { return func(b *Broker) { b.authGrace = d } }
func WithSendTimeout(d time.Duration) Option { return func(b *Broker) { b.sendTimeout = d } }
func WithClock(now func() time.Time) Option  { return func(b *Broker) { b.now = now } }

// New creates an empty broker.
func New(log *zap.Logger, opts ...Option) *Broker {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Broker{
		conns:       make(map[string]*conn),
		topics:      make(map[models.Topic]map[string]struct{}),
		idleTimeout: DefaultIdleTimeout,
		authGrace:   DefaultAuthGrace,
		sendTimeout: DefaultSendTimeout,
		log:         log,
		now:         time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// SetIdleTimeout changes the idle timeout used by later sweeps.
func (b *Broker) SetIdleTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	b.mu.Lock()
	b.idleTimeout = d
	b.mu.Unlock()
}

// Register adds a connection in the Connecting state and returns its id.
func (b *Broker) Register(sender Sender) string {
	now := b.now()
	c := &conn{
		id:           uuid.NewString(),
		sender:       sender,
		state:        StateConnecting,
		connectedAt:  now,
		lastActivity: now,
		topics:       make(map[models.Topic]ScopeFilters),
	}
	b.mu.Lock()
	b.conns[c.id] = c
	b.mu.Unlock()

	metrics.WebSocketConnections.Inc()
	return c.id
}

// Authenticate binds actor to the connection. Roles without analytics access
// and shop owners without a bound shop are refused and disconnected.
func (b *Broker) Authenticate(connID string, actor models.Actor) error {
	var code int
	var authErr error
	switch {
	case !actor.HasAnalyticsAccess():
		code, authErr = CloseAccessDenied, &models.UnauthorizedError{Reason: fmt.Sprintf("role %q has no analytics access", actor.Role)}
	case actor.ShopScoped() && actor.BoundShopID == "":
		code, authErr = CloseNoShopBound, &models.UnauthorizedError{Reason: "no shop bound to actor"}
	}
	if authErr != nil {
		b.Disconnect(connID, code, authErr.Error())
		return authErr
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[connID]
	if !ok {
		return &models.NotFoundError{Resource: "connection", ID: connID}
	}
	c.actor = actor
	if c.state == StateConnecting {
		c.state = StateAuthenticated
	}
	c.lastActivity = b.now()
	return nil
}

// Subscribe adds the connection to topic. A shop owner's filter defaults to
// their own shop and may not name another.
func (b *Broker) Subscribe(connID string, topic models.Topic, filters ScopeFilters) (ScopeFilters, error) {
	if !topic.Valid() {
		return ScopeFilters{}, models.NewValidationError("topic", "unknown topic %q", topic)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.authenticatedLocked(connID)
	if err != nil {
		return ScopeFilters{}, err
	}
	if c.actor.ShopScoped() {
		if filters.ShopID != "" && filters.ShopID != c.actor.BoundShopID {
			return ScopeFilters{}, &models.UnauthorizedError{Reason: "cannot subscribe to another shop"}
		}
		filters.ShopID = c.actor.BoundShopID
	}

	c.topics[topic] = filters
	c.state = StateSubscribed
	c.lastActivity = b.now()
	set, ok := b.topics[topic]
	if !ok {
		set = make(map[string]struct{})
		b.topics[topic] = set
	}
	set[connID] = struct{}{}
	return filters, nil
}

// Unsubscribe removes the connection from topic.
func (b *Broker) Unsubscribe(connID string, topic models.Topic) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.authenticatedLocked(connID)
	if err != nil {
		return err
	}
	delete(c.topics, topic)
	b.removeFromTopicLocked(topic, connID)
	if len(c.topics) == 0 {
		c.state = StateAuthenticated
	}
	c.lastActivity = b.now()
	return nil
}

// Touch records client activity.
func (b *Broker) Touch(connID string) {
	b.mu.Lock()
	if c, ok := b.conns[connID]; ok {
		c.lastActivity = b.now()
	}
	b.mu.Unlock()
}

// Actor returns the authenticated actor of a connection.
func (b *Broker) Actor(connID string) (models.Actor, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, err := b.authenticatedLocked(connID)
	if err != nil {
		return models.Actor{}, err
	}
	return c.actor, nil
}

// State returns the lifecycle state of a connection. Unknown ids are
// reported as disconnected.
func (b *Broker) State(connID string) State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if c, ok := b.conns[connID]; ok {
		return c.state
	}
	return StateDisconnected
}

// Subscriptions lists the topic subscriptions of a connection.
func (b *Broker) Subscriptions(connID string) []Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.conns[connID]
	if !ok {
		return nil
	}
	out := make([]Subscription, 0, len(c.topics))
	for topic, f := range c.topics {
		out = append(out, c.subscription(topic, f))
	}
	return out
}

// Disconnect removes the connection from every table and closes its
// transport. Unknown ids are ignored.
func (b *Broker) Disconnect(connID string, code int, reason string) {
	b.mu.Lock()
	c, ok := b.conns[connID]
	if ok {
		delete(b.conns, connID)
		for topic := range c.topics {
			b.removeFromTopicLocked(topic, connID)
		}
		c.state = StateDisconnected
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	metrics.WebSocketConnections.Dec()
	metrics.ConnectionsClosedTotal.WithLabelValues(closeLabel(code)).Inc()
	if err := c.sender.Close(code, reason); err != nil {
		b.log.Debug("close transport", zap.String("connection_id", connID), zap.Error(err))
	}
	b.log.Debug("connection closed",
		zap.String("connection_id", connID),
		zap.String("actor_id", c.actor.ID),
		zap.Int("code", code),
		zap.String("reason", reason))
}

// Send delivers msg to one connection. A failed send disconnects it.
func (b *Broker) Send(ctx context.Context, connID string, msg models.Message) error {
	b.mu.RLock()
	c, ok := b.conns[connID]
	b.mu.RUnlock()
	if !ok {
		return &models.NotFoundError{Resource: "connection", ID: connID}
	}
	if err := b.deliver(ctx, c, msg); err != nil {
		b.Disconnect(connID, CloseDeliveryFailed, "delivery failed")
		return err
	}
	return nil
}

// Receives reports whether a Broadcast on topic with scope would reach connID.
func (b *Broker) Receives(connID string, topic models.Topic, scope models.Scope) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.topics[topic][connID]; !ok {
		return false
	}
	c := b.conns[connID]
	return c != nil && canReceive(c.actor, c.topics[topic], scope)
}

// Broadcast delivers msg to every subscriber of topic allowed to see scope.
// Each send is bounded by the send timeout; recipients whose send fails are
// disconnected and the rest still receive the message.
func (b *Broker) Broadcast(ctx context.Context, topic models.Topic, msg models.Message, scope models.Scope) DeliveryReport {
	if msg.Topic == "" {
		msg.Topic = topic
	}

	b.mu.RLock()
	recipients := make([]*conn, 0, len(b.topics[topic]))
	for id := range b.topics[topic] {
		c := b.conns[id]
		if c != nil && canReceive(c.actor, c.topics[topic], scope) {
			recipients = append(recipients, c)
		}
	}
	b.mu.RUnlock()

	report := DeliveryReport{Topic: topic, Attempted: len(recipients)}
	if len(recipients) == 0 {
		return report
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
	)
	for _, c := range recipients {
		wg.Add(1)
		go func(c *conn) {
			defer wg.Done()
			if err := b.deliver(ctx, c, msg); err != nil {
				b.log.Warn("broadcast delivery failed",
					zap.String("topic", string(topic)),
					zap.String("connection_id", c.id),
					zap.Error(err))
				mu.Lock()
				failed = append(failed, c.id)
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	for _, id := range failed {
		metrics.BroadcastFailuresTotal.WithLabelValues(string(topic)).Inc()
		b.Disconnect(id, CloseDeliveryFailed, "delivery failed")
	}
	report.Failed = failed
	report.Delivered = len(recipients) - len(failed)
	return report
}

// Sweep closes idle connections, after a connection_timeout notice, and
// connections that never authenticated within the grace period.
func (b *Broker) Sweep(ctx context.Context, now time.Time) SweepReport {
	var idle, unauth []*conn

	b.mu.RLock()
	for _, c := range b.conns {
		switch {
		case c.state == StateConnecting && now.Sub(c.connectedAt) > b.authGrace:
			unauth = append(unauth, c)
		case c.state != StateConnecting && now.Sub(c.lastActivity) > b.idleTimeout:
			idle = append(idle, c)
		}
	}
	idleTimeout := b.idleTimeout
	b.mu.RUnlock()

	var report SweepReport
	for _, c := range unauth {
		b.Disconnect(c.id, CloseAuthFailed, "authentication timeout")
		report.Unauthenticated = append(report.Unauthenticated, c.id)
	}
	for _, c := range idle {
		notice := models.NewMessage(models.MsgConnectionTimeout, "", map[string]any{
			"reason":          "idle timeout",
			"timeout_seconds": int(idleTimeout.Seconds()),
		})
		if err := b.deliver(ctx, c, notice); err != nil {
			b.log.Debug("timeout notice not delivered", zap.String("connection_id", c.id), zap.Error(err))
		}
		b.Disconnect(c.id, CloseNormal, "idle timeout")
		report.Idle = append(report.Idle, c.id)
	}
	if len(report.Idle)+len(report.Unauthenticated) > 0 {
		b.log.Info("connection sweep",
			zap.Int("idle_closed", len(report.Idle)),
			zap.Int("unauthenticated_closed", len(report.Unauthenticated)))
	}
	return report
}

// Stats reports totals by role and topic.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := Stats{
		TotalConnections: len(b.conns),
		ByRole:           make(map[string]int),
		ByTopic:          make(map[string]int),
	}
	actors := make(map[string]struct{})
	for _, c := range b.conns {
		if c.state == StateConnecting {
			continue
		}
		st.Authenticated++
		st.ByRole[c.actor.Role]++
		actors[c.actor.ID] = struct{}{}
	}
	for topic, set := range b.topics {
		st.ByTopic[string(topic)] = len(set)
	}
	st.UniqueActors = len(actors)
	return st
}

// Shutdown disconnects every connection.
func (b *Broker) Shutdown() {
	b.mu.RLock()
	ids := make([]string, 0, len(b.conns))
	for id := range b.conns {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	for _, id := range ids {
		b.Disconnect(id, CloseNormal, "server shutdown")
	}
}

func (b *Broker) deliver(ctx context.Context, c *conn, msg models.Message) error {
	sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()
	if err := c.sender.Send(sendCtx, msg); err != nil {
		return &models.DeliveryError{ConnectionID: c.id, Err: err}
	}
	metrics.MessagesTotal.WithLabelValues("out", msg.Type).Inc()
	return nil
}

func (b *Broker) authenticatedLocked(connID string) (*conn, error) {
	c, ok := b.conns[connID]
	if !ok {
		return nil, &models.NotFoundError{Resource: "connection", ID: connID}
	}
	if c.state == StateConnecting {
		return nil, models.ErrNotAuthenticated
	}
	return c, nil
}

func (b *Broker) removeFromTopicLocked(topic models.Topic, connID string) {
	if set, ok := b.topics[topic]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(b.topics, topic)
		}
	}
}

func (c *conn) subscription(topic models.Topic, f ScopeFilters) Subscription {
	return Subscription{
		ConnectionID: c.id,
		ActorID:      c.actor.ID,
		ActorRole:    c.actor.Role,
		Topic:        topic,
		ScopeFilters: f,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastActivity,
	}
}

// canReceive applies tenant visibility. Admins see everything unless their
// own filter narrows to a different shop; shop owners see their shop and
// system-wide messages only.
func canReceive(actor models.Actor, filters ScopeFilters, scope models.Scope) bool {
	switch {
	case actor.PlatformWide():
		return filters.ShopID == "" || scope.ShopID == "" || filters.ShopID == scope.ShopID
	case actor.ShopScoped():
		return scope.ShopID == "" || scope.ShopID == actor.BoundShopID
	}
	return false
}

func closeLabel(code int) string {
	switch code {
	case CloseNormal:
		return "normal"
	case CloseAuthFailed:
		return "auth_failed"
	case CloseAccessDenied:
		return "access_denied"
	case CloseNoShopBound:
		return "no_shop"
	case CloseDeliveryFailed:
		return "delivery_failed"
	}
	return "other"
}
