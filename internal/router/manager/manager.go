// Package manager provides the queue manager for the message router
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/common/tsid"
	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/router/mediator"
	"go.flowcatalyst.tech/internal/router/model"
	"go.flowcatalyst.tech/internal/router/pool"
)

// StandbyChecker interface for checking if this instance is the primary
type StandbyChecker interface {
	// IsPrimary returns true if this instance is the active leader
	IsPrimary() bool
}

// PoolConfig describes one statically configured processing pool.
type PoolConfig struct {
	Code          string
	Concurrency   int
	QueueCapacity int
	RateLimit     *pool.RateLimitConfig
}

// PipelineCleanupConfig holds configuration for stale in-flight entry cleanup
type PipelineCleanupConfig struct {
	Enabled  bool
	Interval time.Duration
	TTL      time.Duration
}

// DefaultPipelineCleanupConfig returns sensible defaults
func DefaultPipelineCleanupConfig() *PipelineCleanupConfig {
	return &PipelineCleanupConfig{
		Enabled:  true,
		Interval: 5 * time.Minute,
		TTL:      1 * time.Hour,
	}
}

// VisibilityExtenderConfig holds configuration for visibility timeout extension
type VisibilityExtenderConfig struct {
	Enabled          bool
	Interval         time.Duration
	Threshold        time.Duration
	ExtensionSeconds int32
}

// DefaultVisibilityExtenderConfig returns sensible defaults
func DefaultVisibilityExtenderConfig() *VisibilityExtenderConfig {
	return &VisibilityExtenderConfig{
		Enabled:          true,
		Interval:         55 * time.Second,
		Threshold:        50 * time.Second,
		ExtensionSeconds: 120,
	}
}

// ConsumerHealthConfig holds configuration for consumer health monitoring
type ConsumerHealthConfig struct {
	Enabled            bool
	CheckInterval      time.Duration
	StallThreshold     time.Duration
	MaxRestartAttempts int
	RestartDelay       time.Duration
}

// DefaultConsumerHealthConfig returns sensible defaults
func DefaultConsumerHealthConfig() *ConsumerHealthConfig {
	return &ConsumerHealthConfig{
		Enabled:            true,
		CheckInterval:      60 * time.Second,
		StallThreshold:     60 * time.Second,
		MaxRestartAttempts: 3,
		RestartDelay:       5 * time.Second,
	}
}

// LeakDetectionConfig holds configuration for in-flight map leak detection
type LeakDetectionConfig struct {
	Enabled  bool
	Interval time.Duration
}

// DefaultLeakDetectionConfig returns sensible defaults
func DefaultLeakDetectionConfig() *LeakDetectionConfig {
	return &LeakDetectionConfig{
		Enabled:  true,
		Interval: 30 * time.Second,
	}
}

// WarningService interface for reporting operational issues
type WarningService interface {
	AddWarning(category, severity, message, source string)
}

// inFlightEntry tracks one message currently owned by a pool, keyed by
// message ID. It replaces per-broker receipt-handle tracking: dedup,
// visibility extension, and leak detection all key off this single map.
type inFlightEntry struct {
	msg       *pool.MessagePointer
	startedAt time.Time
}

// QueueManager owns every processing pool and routes messages to them. Pools
// are statically configured at construction time; a message whose pool code
// doesn't match any configured pool is nacked and reported as a warning
// rather than silently spinning up a new pool.
type QueueManager struct {
	pools   map[string]*pool.ProcessPool
	poolsMu sync.RWMutex

	inFlight sync.Map // message ID -> *inFlightEntry

	mediator        *mediator.HTTPMediator
	messageCallback *MessageCallbackImpl
	running         bool
	runningMu       sync.Mutex
	initialized     bool

	standbyChecker StandbyChecker

	cleanupConfig *PipelineCleanupConfig
	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
	cleanupWg     sync.WaitGroup

	visibilityConfig *VisibilityExtenderConfig
	visibilityCtx    context.Context
	visibilityCancel context.CancelFunc
	visibilityWg     sync.WaitGroup

	leakDetectionConfig *LeakDetectionConfig
	leakDetectionCtx    context.Context
	leakDetectionCancel context.CancelFunc
	leakDetectionWg     sync.WaitGroup
	warningService      WarningService
}

// NewQueueManager creates a queue manager and statically constructs every
// pool named in pools. mediatorCfg configures the shared HTTP mediator; the
// breaker registry it owns is wired as every pool's circuit checker so the
// pool's pre-flight check and the mediator's post-call accounting share
// state.
func NewQueueManager(mediatorCfg *mediator.HTTPMediatorConfig, pools []PoolConfig) *QueueManager {
	httpMediator := mediator.NewHTTPMediator(mediatorCfg)

	qm := &QueueManager{
		pools:               make(map[string]*pool.ProcessPool),
		mediator:            httpMediator,
		cleanupConfig:       DefaultPipelineCleanupConfig(),
		visibilityConfig:    DefaultVisibilityExtenderConfig(),
		leakDetectionConfig: DefaultLeakDetectionConfig(),
	}

	qm.messageCallback = &MessageCallbackImpl{manager: qm, fastFailSeconds: 10, defaultVisibility: 120}

	for _, cfg := range pools {
		qm.createPool(cfg)
	}

	return qm
}

func (m *QueueManager) createPool(cfg PoolConfig) *pool.ProcessPool {
	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	if p, exists := m.pools[cfg.Code]; exists {
		return p
	}

	var checker pool.CircuitChecker
	if m.mediator.Breakers() != nil {
		checker = m.mediator.Breakers()
	}

	p := pool.NewProcessPool(
		cfg.Code,
		cfg.Concurrency,
		cfg.QueueCapacity,
		cfg.RateLimit,
		m.mediator,
		m.messageCallback,
		checker,
	)

	m.pools[cfg.Code] = p
	p.Start()

	slog.Info("Created processing pool",
		"pool", cfg.Code,
		"concurrency", cfg.Concurrency,
		"queueCapacity", cfg.QueueCapacity)

	return p
}

// WithVisibilityExtender configures visibility timeout extension for long-running messages
func (m *QueueManager) WithVisibilityExtender(cfg *VisibilityExtenderConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultVisibilityExtenderConfig()
	}
	m.visibilityConfig = cfg
	return m
}

// WithPipelineCleanup configures stale in-flight entry cleanup
func (m *QueueManager) WithPipelineCleanup(cfg *PipelineCleanupConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultPipelineCleanupConfig()
	}
	m.cleanupConfig = cfg
	return m
}

// WithStandbyChecker sets the standby checker for HA mode
func (m *QueueManager) WithStandbyChecker(checker StandbyChecker) *QueueManager {
	m.standbyChecker = checker
	return m
}

// WithLeakDetection configures in-flight map leak detection
func (m *QueueManager) WithLeakDetection(cfg *LeakDetectionConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultLeakDetectionConfig()
	}
	m.leakDetectionConfig = cfg
	return m
}

// WithWarningService sets the warning service for reporting issues, and also
// wires it into the mediator's breaker registry so circuit state transitions
// are reported.
func (m *QueueManager) WithWarningService(ws WarningService) *QueueManager {
	m.warningService = ws
	m.mediator.SetWarningService(ws)
	return m
}

// WithFastFailSeconds overrides the visibility delay staged for capacity
// rejections (rate limit, pool full, circuit open) - see
// MessageCallbackImpl.SetFastFailVisibility.
func (m *QueueManager) WithFastFailSeconds(seconds int) *QueueManager {
	if seconds > 0 {
		m.messageCallback.fastFailSeconds = seconds
	}
	return m
}

// WithDefaultVisibilitySeconds overrides the visibility delay staged for
// real endpoint failures (connection errors, timeouts, process errors
// without a custom delay) - see MessageCallbackImpl.ResetVisibilityToDefault.
func (m *QueueManager) WithDefaultVisibilitySeconds(seconds int) *QueueManager {
	if seconds > 0 {
		m.messageCallback.defaultVisibility = seconds
	}
	return m
}

// Start starts the queue manager's background loops
func (m *QueueManager) Start() {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()

	m.running = true
	m.initialized = true

	if m.cleanupConfig.Enabled {
		m.cleanupCtx, m.cleanupCancel = context.WithCancel(context.Background())
		m.cleanupWg.Add(1)
		go m.runPipelineCleanup()
		slog.Info("In-flight cleanup started",
			"interval", m.cleanupConfig.Interval,
			"ttl", m.cleanupConfig.TTL)
	}

	if m.visibilityConfig.Enabled {
		m.visibilityCtx, m.visibilityCancel = context.WithCancel(context.Background())
		m.visibilityWg.Add(1)
		go m.runVisibilityExtender()
		slog.Info("Visibility extender started",
			"interval", m.visibilityConfig.Interval,
			"threshold", m.visibilityConfig.Threshold,
			"extensionSeconds", m.visibilityConfig.ExtensionSeconds)
	}

	if m.leakDetectionConfig.Enabled {
		m.leakDetectionCtx, m.leakDetectionCancel = context.WithCancel(context.Background())
		m.leakDetectionWg.Add(1)
		go m.runLeakDetection()
		slog.Info("In-flight leak detection started", "interval", m.leakDetectionConfig.Interval)
	}

	slog.Info("Queue manager started")
}

// Stop stops the queue manager and all pools
func (m *QueueManager) Stop() {
	m.runningMu.Lock()
	m.running = false
	m.runningMu.Unlock()

	if m.cleanupCancel != nil {
		m.cleanupCancel()
		m.cleanupWg.Wait()
	}

	if m.visibilityCancel != nil {
		m.visibilityCancel()
		m.visibilityWg.Wait()
	}

	if m.leakDetectionCancel != nil {
		m.leakDetectionCancel()
		m.leakDetectionWg.Wait()
	}

	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	for code, p := range m.pools {
		slog.Info("Shutting down pool", "pool", code)
		p.Shutdown()
	}

	slog.Info("Queue manager stopped")
}

// GetPool gets a pool by code
func (m *QueueManager) GetPool(code string) *pool.ProcessPool {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	return m.pools[code]
}

// UpdatePool updates a pool's concurrency and rate limit
func (m *QueueManager) UpdatePool(code string, concurrency int, rateLimit *pool.RateLimitConfig) bool {
	m.poolsMu.RLock()
	p, exists := m.pools[code]
	m.poolsMu.RUnlock()

	if !exists {
		return false
	}

	if concurrency > 0 && concurrency != p.GetConcurrency() {
		p.UpdateConcurrency(concurrency, 60)
	}

	p.UpdateRateLimit(rateLimit)

	return true
}

// releaseInFlight removes the in-flight entry for a message ID.
func (m *QueueManager) releaseInFlight(id string) {
	m.inFlight.Delete(id)
}

// RouteMessage routes a single message to its configured pool. It owns
// in-flight deduplication keyed by message ID: a message already in flight
// is assumed to be a redelivery of one still being processed and is acked
// directly (via its own AckFunc, not through messageCallback.Ack, so the
// original entry's ownership of the in-flight slot is untouched).
func (m *QueueManager) RouteMessage(poolCode string, msg *pool.MessagePointer) bool {
	m.runningMu.Lock()
	running := m.running
	m.runningMu.Unlock()

	if !running {
		if msg.NakFunc != nil {
			msg.NakFunc()
		}
		return false
	}

	entry := &inFlightEntry{msg: msg, startedAt: time.Now()}
	if _, loaded := m.inFlight.LoadOrStore(msg.ID, entry); loaded {
		slog.Debug("Duplicate delivery detected, acking without reprocessing", "messageId", msg.ID)
		if msg.AckFunc != nil {
			msg.AckFunc()
		}
		return true
	}

	p := m.GetPool(poolCode)
	if p == nil {
		m.releaseInFlight(msg.ID)
		slog.Warn("No pool configured for message, nacking", "pool", poolCode, "messageId", msg.ID)
		if m.warningService != nil {
			m.warningService.AddWarning("UNKNOWN_POOL", "WARN",
				fmt.Sprintf("no pool configured for code %q", poolCode), "QueueManager")
		}
		if msg.NakFunc != nil {
			msg.NakFunc()
		}
		return false
	}

	if !p.Submit(msg) {
		slog.Warn("Pool rejected message, nacking", "pool", poolCode, "messageId", msg.ID)
		m.messageCallback.SetFastFailVisibility(msg)
		m.messageCallback.Nack(msg)
		return false
	}

	return true
}

// MessageCallbackImpl implements pool.MessageCallback. The pool always
// follows SetVisibilityDelay/SetFastFailVisibility/ResetVisibilityToDefault
// with an unconditional Nack call, so these three only stage a pending delay
// for the Nack that follows; they never nack on their own.
type MessageCallbackImpl struct {
	manager           *QueueManager
	pendingDelay      sync.Map // message ID -> time.Duration
	fastFailSeconds   int
	defaultVisibility int
}

func (c *MessageCallbackImpl) Ack(msg *pool.MessagePointer) {
	c.manager.releaseInFlight(msg.ID)
	c.pendingDelay.Delete(msg.ID)
	if msg.AckFunc != nil {
		if err := msg.AckFunc(); err != nil {
			slog.Error("Failed to ack message", "error", err, "messageId", msg.ID)
		}
	}
}

func (c *MessageCallbackImpl) Nack(msg *pool.MessagePointer) {
	c.manager.releaseInFlight(msg.ID)

	if delayVal, ok := c.pendingDelay.LoadAndDelete(msg.ID); ok {
		if msg.NakDelayFunc != nil {
			if err := msg.NakDelayFunc(delayVal.(time.Duration)); err != nil {
				slog.Error("Failed to nack message with delay", "error", err, "messageId", msg.ID)
			}
			return
		}
	}

	if msg.NakFunc != nil {
		if err := msg.NakFunc(); err != nil {
			slog.Error("Failed to nack message", "error", err, "messageId", msg.ID)
		}
	}
}

func (c *MessageCallbackImpl) SetVisibilityDelay(msg *pool.MessagePointer, seconds int) {
	c.pendingDelay.Store(msg.ID, time.Duration(seconds)*time.Second)
}

func (c *MessageCallbackImpl) SetFastFailVisibility(msg *pool.MessagePointer) {
	c.pendingDelay.Store(msg.ID, time.Duration(c.fastFailSeconds)*time.Second)
}

func (c *MessageCallbackImpl) ResetVisibilityToDefault(msg *pool.MessagePointer) {
	c.pendingDelay.Store(msg.ID, time.Duration(c.defaultVisibility)*time.Second)
}

func (c *MessageCallbackImpl) Capabilities() pool.Capabilities {
	return pool.Capabilities{CanExtend: true, CanChangeVisibility: true, CanIndividualAck: true}
}

// Consumer consumes messages from the queue and routes them
type Consumer struct {
	manager  *QueueManager
	consumer queue.Consumer
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	lastActivity   atomic.Int64
	restartCount   int
	restartCountMu sync.Mutex
	stalled        atomic.Bool
}

// NewConsumer creates a new consumer
func NewConsumer(manager *QueueManager, queueConsumer queue.Consumer) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		manager:  manager,
		consumer: queueConsumer,
		ctx:      ctx,
		cancel:   cancel,
	}
	c.lastActivity.Store(time.Now().Unix())
	return c
}

func (c *Consumer) updateActivity() {
	c.lastActivity.Store(time.Now().Unix())
}

// GetLastActivity returns the last activity timestamp
func (c *Consumer) GetLastActivity() time.Time {
	return time.Unix(c.lastActivity.Load(), 0)
}

// IsStalled returns whether the consumer is considered stalled
func (c *Consumer) IsStalled() bool {
	return c.stalled.Load()
}

// GetRestartCount returns the number of restart attempts
func (c *Consumer) GetRestartCount() int {
	c.restartCountMu.Lock()
	defer c.restartCountMu.Unlock()
	return c.restartCount
}

func (c *Consumer) incrementRestartCount() int {
	c.restartCountMu.Lock()
	defer c.restartCountMu.Unlock()
	c.restartCount++
	return c.restartCount
}

func (c *Consumer) resetRestartCount() {
	c.restartCountMu.Lock()
	defer c.restartCountMu.Unlock()
	c.restartCount = 0
}

// Start starts consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consume()
	}()
	slog.Info("Consumer started")
}

// Stop stops the consumer
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()
	slog.Info("Consumer stopped")
}

// consume processes messages from the queue one at a time, per the queue
// backend's strictly per-message delivery contract.
func (c *Consumer) consume() {
	err := c.consumer.Consume(c.ctx, func(msg queue.Message) error {
		c.updateActivity()

		var pointer model.MessagePointer
		if err := json.Unmarshal(msg.Data(), &pointer); err != nil {
			slog.Error("Failed to unmarshal message pointer", "error", err)
			msg.Ack()
			return nil
		}

		mp := &pool.MessagePointer{
			ID:              pointer.ID,
			BrokerMessageID: msg.ID(),
			MessageGroupID:  pointer.MessageGroupID,
			MediationTarget: pointer.MediationTarget,
			TargetClientID:  pointer.TargetClientID,
			MediationType:   string(pointer.MediationType),
			AuthToken:       pointer.AuthToken,
			Payload:         msg.Data(),
			Headers:         msg.Metadata(),
			AckFunc:         msg.Ack,
			NakFunc:         msg.Nak,
			NakDelayFunc:    msg.NakWithDelay,
			InProgressFunc:  msg.InProgress,
		}

		if !c.manager.RouteMessage(pointer.PoolCode, mp) {
			slog.Warn("Message routing failed", "messageId", mp.ID, "pool", pointer.PoolCode)
		}

		return nil
	})

	if err != nil && err != context.Canceled {
		slog.Error("Consumer error", "error", err)
	}
}

// ConsumerFactory creates new queue consumers for restart
type ConsumerFactory func() queue.Consumer

// Router ties together all message router components
type Router struct {
	manager         *QueueManager
	consumer        *Consumer
	consumerMu      sync.Mutex
	consumerFactory ConsumerFactory

	healthConfig *ConsumerHealthConfig
	healthCtx    context.Context
	healthCancel context.CancelFunc
	healthWg     sync.WaitGroup
}

// NewRouter creates a new message router
func NewRouter(queueConsumer queue.Consumer, mediatorCfg *mediator.HTTPMediatorConfig, pools []PoolConfig) *Router {
	manager := NewQueueManager(mediatorCfg, pools)

	var consumer *Consumer
	if queueConsumer != nil {
		consumer = NewConsumer(manager, queueConsumer)
	}

	return &Router{
		manager:      manager,
		consumer:     consumer,
		healthConfig: DefaultConsumerHealthConfig(),
	}
}

// WithConsumerFactory sets a factory for creating new consumers on restart
func (r *Router) WithConsumerFactory(factory ConsumerFactory) *Router {
	r.consumerFactory = factory
	return r
}

// WithConsumerHealthConfig configures consumer health monitoring
func (r *Router) WithConsumerHealthConfig(cfg *ConsumerHealthConfig) *Router {
	if cfg == nil {
		cfg = DefaultConsumerHealthConfig()
	}
	r.healthConfig = cfg
	return r
}

// WithWarningService wires a warning service into the underlying manager
func (r *Router) WithWarningService(ws WarningService) *Router {
	r.manager.WithWarningService(ws)
	return r
}

// WithFastFailSeconds wires a capacity-rejection visibility delay into the
// underlying manager
func (r *Router) WithFastFailSeconds(seconds int) *Router {
	r.manager.WithFastFailSeconds(seconds)
	return r
}

// WithDefaultVisibilitySeconds wires an endpoint-failure visibility delay
// into the underlying manager
func (r *Router) WithDefaultVisibilitySeconds(seconds int) *Router {
	r.manager.WithDefaultVisibilitySeconds(seconds)
	return r
}

// WithVisibilityExtender wires visibility timeout extension into the
// underlying manager
func (r *Router) WithVisibilityExtender(cfg *VisibilityExtenderConfig) *Router {
	r.manager.WithVisibilityExtender(cfg)
	return r
}

// Start starts the router
func (r *Router) Start() {
	r.manager.Start()
	if r.consumer != nil {
		r.consumer.Start()
	}

	if r.healthConfig.Enabled && r.consumer != nil {
		r.healthCtx, r.healthCancel = context.WithCancel(context.Background())
		r.healthWg.Add(1)
		go r.runConsumerHealthMonitor()
		slog.Info("Consumer health monitor started",
			"checkInterval", r.healthConfig.CheckInterval,
			"stallThreshold", r.healthConfig.StallThreshold,
			"maxRestarts", r.healthConfig.MaxRestartAttempts)
	}

	slog.Info("Message router started")
}

// Stop stops the router
func (r *Router) Stop() {
	if r.healthCancel != nil {
		r.healthCancel()
		r.healthWg.Wait()
	}

	r.consumerMu.Lock()
	consumer := r.consumer
	r.consumerMu.Unlock()

	if consumer != nil {
		consumer.Stop()
	}
	r.manager.Stop()
	slog.Info("Message router stopped")
}

// Manager returns the queue manager
func (r *Router) Manager() *QueueManager {
	return r.manager
}

// Consumer returns the current consumer (for health checks)
func (r *Router) Consumer() *Consumer {
	r.consumerMu.Lock()
	defer r.consumerMu.Unlock()
	return r.consumer
}

// runConsumerHealthMonitor monitors consumer health and auto-restarts if stalled
func (r *Router) runConsumerHealthMonitor() {
	defer r.healthWg.Done()

	ticker := time.NewTicker(r.healthConfig.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.healthCtx.Done():
			slog.Info("Consumer health monitor stopped")
			return
		case <-ticker.C:
			r.checkConsumerHealth()
		}
	}
}

// checkConsumerHealth checks if the consumer is stalled and restarts if needed
func (r *Router) checkConsumerHealth() {
	r.consumerMu.Lock()
	consumer := r.consumer
	r.consumerMu.Unlock()

	if consumer == nil {
		return
	}

	lastActivity := consumer.GetLastActivity()
	stalledDuration := time.Since(lastActivity)

	if stalledDuration < r.healthConfig.StallThreshold {
		if consumer.IsStalled() {
			consumer.stalled.Store(false)
			consumer.resetRestartCount()
			slog.Info("Consumer recovered from stalled state")
		}
		return
	}

	consumer.stalled.Store(true)
	restartCount := consumer.GetRestartCount()

	metrics.ConsumerStallEvents.Inc()

	slog.Warn("Consumer appears stalled",
		"stalledFor", stalledDuration,
		"restartAttempts", restartCount,
		"maxAttempts", r.healthConfig.MaxRestartAttempts)

	if restartCount >= r.healthConfig.MaxRestartAttempts {
		slog.Error("Consumer exceeded max restart attempts - requires manual intervention",
			"attempts", restartCount)
		return
	}

	r.restartConsumer()
}

// restartConsumer stops the current consumer and creates a new one
func (r *Router) restartConsumer() {
	r.consumerMu.Lock()
	defer r.consumerMu.Unlock()

	oldConsumer := r.consumer
	if oldConsumer == nil {
		return
	}

	attempt := oldConsumer.incrementRestartCount()

	metrics.ConsumerRestarts.Inc()

	slog.Info("Restarting stalled consumer",
		"attempt", attempt,
		"maxAttempts", r.healthConfig.MaxRestartAttempts)

	oldConsumer.Stop()

	time.Sleep(r.healthConfig.RestartDelay)

	if r.consumerFactory != nil {
		newQueueConsumer := r.consumerFactory()
		if newQueueConsumer != nil {
			newConsumer := NewConsumer(r.manager, newQueueConsumer)
			newConsumer.restartCount = attempt
			newConsumer.Start()
			r.consumer = newConsumer

			slog.Info("Consumer restarted successfully", "attempt", attempt)
			return
		}
	}

	slog.Warn("No consumer factory available, attempting restart with existing consumer")
	newConsumer := NewConsumer(r.manager, oldConsumer.consumer)
	newConsumer.restartCount = attempt
	newConsumer.Start()
	r.consumer = newConsumer
}

// GenerateBatchID generates a new batch ID
func GenerateBatchID() string {
	return tsid.Generate()
}

// runPipelineCleanup runs the stale in-flight entry cleanup loop, removing
// entries for messages that have been in flight longer than the configured
// TTL (a sign the original ack/nack never landed).
func (m *QueueManager) runPipelineCleanup() {
	defer m.cleanupWg.Done()

	ticker := time.NewTicker(m.cleanupConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.cleanupCtx.Done():
			slog.Info("In-flight cleanup stopped")
			return
		case <-ticker.C:
			m.cleanupStaleInFlightEntries()
		}
	}
}

func (m *QueueManager) cleanupStaleInFlightEntries() {
	now := time.Now()
	cleanedCount := 0

	m.inFlight.Range(func(key, value interface{}) bool {
		entry := value.(*inFlightEntry)
		if now.Sub(entry.startedAt) > m.cleanupConfig.TTL {
			m.inFlight.Delete(key)
			cleanedCount++
		}
		return true
	})

	if cleanedCount > 0 {
		slog.Warn("Cleaned up stale in-flight entries - messages may have been stuck",
			"count", cleanedCount,
			"ttl", m.cleanupConfig.TTL)
	}
}

// runVisibilityExtender runs the visibility extension loop. This extends
// queue visibility for long-running messages to prevent them from timing
// out and being redelivered while still processing.
func (m *QueueManager) runVisibilityExtender() {
	defer m.visibilityWg.Done()

	ticker := time.NewTicker(m.visibilityConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.visibilityCtx.Done():
			slog.Info("Visibility extender stopped")
			return
		case <-ticker.C:
			m.extendLongRunningVisibility()
		}
	}
}

func (m *QueueManager) extendLongRunningVisibility() {
	now := time.Now()
	extendedCount := 0

	m.inFlight.Range(func(key, value interface{}) bool {
		entry := value.(*inFlightEntry)
		elapsed := now.Sub(entry.startedAt)

		if elapsed < m.visibilityConfig.Threshold {
			return true
		}

		if entry.msg.InProgressFunc == nil {
			return true
		}

		if err := entry.msg.InProgressFunc(); err != nil {
			slog.Warn("Failed to extend visibility for long-running message",
				"error", err,
				"messageId", entry.msg.ID,
				"elapsed", elapsed)
		} else {
			extendedCount++
			slog.Debug("Extended visibility for long-running message",
				"messageId", entry.msg.ID,
				"elapsed", elapsed)
		}

		return true
	})

	if extendedCount > 0 {
		slog.Info("Extended visibility for long-running messages",
			"count", extendedCount,
			"threshold", m.visibilityConfig.Threshold)
	}
}

// runLeakDetection runs the in-flight map leak detection loop
func (m *QueueManager) runLeakDetection() {
	defer m.leakDetectionWg.Done()

	ticker := time.NewTicker(m.leakDetectionConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.leakDetectionCtx.Done():
			slog.Info("In-flight leak detection stopped")
			return
		case <-ticker.C:
			m.checkForMapLeaks()
		}
	}
}

// checkForMapLeaks warns if the in-flight map size exceeds total pool
// capacity, which indicates messages are not being removed after processing.
func (m *QueueManager) checkForMapLeaks() {
	m.runningMu.Lock()
	running := m.running
	initialized := m.initialized
	m.runningMu.Unlock()

	if !running || !initialized {
		return
	}

	inFlightSize := 0
	m.inFlight.Range(func(_, _ interface{}) bool {
		inFlightSize++
		return true
	})

	totalCapacity := m.GetTotalPoolCapacity()

	if inFlightSize > totalCapacity {
		message := fmt.Sprintf("in-flight map size (%d) exceeds total pool capacity (%d) - possible leak",
			inFlightSize, totalCapacity)

		slog.Warn("LEAK DETECTION: "+message,
			"inFlightSize", inFlightSize,
			"totalCapacity", totalCapacity)

		if m.warningService != nil {
			m.warningService.AddWarning("IN_FLIGHT_MAP_LEAK", "WARN", message, "QueueManager")
		}
	}

	metrics.PipelineMapSize.Set(float64(inFlightSize))
}

// GetPipelineSize returns the current number of in-flight messages (for monitoring)
func (m *QueueManager) GetPipelineSize() int {
	size := 0
	m.inFlight.Range(func(_, _ interface{}) bool {
		size++
		return true
	})
	return size
}

// GetTotalPoolCapacity returns the total capacity across all pools (for monitoring)
func (m *QueueManager) GetTotalPoolCapacity() int {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()

	total := 0
	for _, p := range m.pools {
		total += p.GetQueueCapacity()
	}
	return total
}
