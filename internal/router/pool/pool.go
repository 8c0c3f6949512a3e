// Package pool provides the message processing pool implementation
package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/router/model"
)

// MessagePointer represents a message to be processed
// This struct is used internally within the router/pool and contains all
// the information needed for mediation.
type MessagePointer struct {
	ID              string // Application message ID
	BrokerMessageID string // Broker message ID for deduplication
	BatchID         string
	MessageGroupID  string
	MediationTarget string            // URL to POST to for mediation
	TargetClientID  string            // Client/tenant the target belongs to, for breaker keying
	MediationType   string            // Type of mediation (HTTP, etc.)
	AuthToken       string            // HMAC auth token for Bearer authentication
	Payload         []byte            // Original payload (for non-pointer mode)
	Headers         map[string]string // Additional headers
	TimeoutSeconds  int
	AckFunc         func() error
	NakFunc         func() error
	NakDelayFunc    func(time.Duration) error
	InProgressFunc  func() error
}

// MediationOutcome is an alias to the shared model type so pool/mediator/manager
// all speak the same vocabulary without an import cycle through model.
type MediationOutcome = model.MediationOutcome

// Mediator processes messages
type Mediator interface {
	Process(msg *MessagePointer) *MediationOutcome
}

// CircuitChecker reports whether a target's circuit breaker currently denies calls.
// The pool consults this before claiming a worker slot, so an open breaker never
// costs a concurrency permit.
type CircuitChecker interface {
	IsOpen(target string) bool
}

// Capabilities describes which lifecycle operations a queue backend's
// MessageCallback implementation actually supports. All current backends
// (NATS, SQS) return every flag true; the type exists so a future
// capability-limited backend has a documented place to report its gaps
// instead of silently no-op'ing.
type Capabilities struct {
	CanExtend           bool
	CanChangeVisibility bool
	CanIndividualAck    bool
}

// MessageCallback handles ack/nack operations
type MessageCallback interface {
	Ack(msg *MessagePointer)
	Nack(msg *MessagePointer)
	SetVisibilityDelay(msg *MessagePointer, seconds int)
	SetFastFailVisibility(msg *MessagePointer)
	ResetVisibilityToDefault(msg *MessagePointer)
	Capabilities() Capabilities
}

// Pool represents a message processing pool
type Pool interface {
	Start()
	Drain()
	Submit(msg *MessagePointer) bool
	GetPoolCode() string
	GetConcurrency() int
	GetRateLimit() *RateLimitConfig
	IsFullyDrained() bool
	Shutdown()
	GetQueueSize() int
	GetActiveWorkers() int
	GetQueueCapacity() int
	IsRateLimited() bool
	UpdateConcurrency(newLimit int, timeoutSeconds int) bool
	UpdateRateLimit(newLimit *RateLimitConfig)
}

// RateLimitConfig splits the sustained rate from the burst allowance, instead
// of deriving both from a single requests-per-minute figure. EventsPerSecond
// is the steady-state throughput; Burst is the largest instantaneous spike
// the limiter will admit.
type RateLimitConfig struct {
	EventsPerSecond float64
	Burst           int
}

// ProcessPool implements Pool with per-message-group FIFO ordering
type ProcessPool struct {
	poolCode      string
	concurrency   int32 // Use atomic for thread-safe reads
	queueCapacity int
	semaphore     chan struct{} // Buffered channel as semaphore

	running            atomic.Bool
	rateLimiter        *rate.Limiter
	rateLimitMu        sync.RWMutex
	rateLimit          *RateLimitConfig

	mediator        Mediator
	messageCallback MessageCallback
	circuitChecker  CircuitChecker

	// Per-message-group queues for FIFO ordering
	messageGroupQueues sync.Map // map[string]chan *MessagePointer
	activeGroupThreads sync.Map // map[string]bool

	// Total messages across all group queues
	totalQueuedMessages atomic.Int32

	// Batch+Group FIFO tracking
	failedBatchGroups      sync.Map // map[string]bool - "batchId|groupId" -> failed
	batchGroupMessageCount sync.Map // map[string]*atomic.Int32

	// Shutdown coordination
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	shutdownMu sync.Mutex

	// Gauge update scheduling (every 500ms)
	gaugeCtx    context.Context
	gaugeCancel context.CancelFunc
	gaugeWg     sync.WaitGroup
}

const (
	// IdleTimeoutMinutes before cleaning up inactive message groups
	IdleTimeoutMinutes = 5
)

// NewProcessPool creates a new process pool
func NewProcessPool(
	poolCode string,
	concurrency int,
	queueCapacity int,
	rateLimit *RateLimitConfig,
	mediator Mediator,
	messageCallback MessageCallback,
	circuitChecker CircuitChecker,
) *ProcessPool {
	ctx, cancel := context.WithCancel(context.Background())
	gaugeCtx, gaugeCancel := context.WithCancel(context.Background())

	pool := &ProcessPool{
		poolCode:        poolCode,
		concurrency:     int32(concurrency),
		queueCapacity:   queueCapacity,
		semaphore:       make(chan struct{}, concurrency),
		mediator:        mediator,
		messageCallback: messageCallback,
		circuitChecker:  circuitChecker,
		rateLimit:       rateLimit,
		ctx:             ctx,
		cancel:          cancel,
		gaugeCtx:        gaugeCtx,
		gaugeCancel:     gaugeCancel,
	}

	// Initialize semaphore with permits
	for i := 0; i < concurrency; i++ {
		pool.semaphore <- struct{}{}
	}

	pool.rateLimiter = newLimiter(rateLimit)
	if rateLimit != nil {
		slog.Info("Created pool-level rate limiter",
			"pool", poolCode,
			"eventsPerSecond", rateLimit.EventsPerSecond,
			"burst", rateLimit.Burst)
	}

	return pool
}

func newLimiter(cfg *RateLimitConfig) *rate.Limiter {
	if cfg == nil || cfg.EventsPerSecond <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), burst)
}

// Start begins processing
func (p *ProcessPool) Start() {
	if p.running.CompareAndSwap(false, true) {
		// Start scheduled gauge updates (every 500ms)
		p.gaugeWg.Add(1)
		go p.runGaugeUpdater()

		slog.Info("Starting process pool with per-group goroutines",
			"pool", p.poolCode,
			"concurrency", atomic.LoadInt32(&p.concurrency))
	}
}

// Drain stops accepting new work but finishes processing
func (p *ProcessPool) Drain() {
	slog.Info("Draining process pool",
		"pool", p.poolCode,
		"queued", p.totalQueuedMessages.Load())
	p.running.Store(false)
}

// Submit submits a message for processing. Messages carrying a
// messageGroupId are serialized through that group's dedicated goroutine;
// messages with no group have no ordering constraint and are dispatched
// directly, bounded only by the pool's concurrency semaphore.
func (p *ProcessPool) Submit(msg *MessagePointer) bool {
	if !p.running.Load() {
		return false
	}

	if msg.MessageGroupID == "" {
		return p.submitUngrouped(msg)
	}

	groupID := msg.MessageGroupID

	// Track for batch+group FIFO ordering
	batchID := msg.BatchID
	var batchGroupKey string
	if batchID != "" {
		batchGroupKey = batchID + "|" + groupID
		counter, _ := p.batchGroupMessageCount.LoadOrStore(batchGroupKey, &atomic.Int32{})
		counter.(*atomic.Int32).Add(1)
	}

	// Get or create queue for this message group
	queueIface, created := p.messageGroupQueues.LoadOrStore(groupID, make(chan *MessagePointer, p.queueCapacity))
	queue := queueIface.(chan *MessagePointer)

	if created {
		// Start dedicated goroutine for this message group
		p.startGroupGoroutine(groupID, queue)
		slog.Debug("Created new message group with dedicated goroutine",
			"pool", p.poolCode,
			"group", groupID)
	}

	// Check if group goroutine died and needs restart
	if _, active := p.activeGroupThreads.Load(groupID); !active {
		slog.Warn("Goroutine for message group appears to have died - restarting",
			"pool", p.poolCode,
			"group", groupID)
		p.startGroupGoroutine(groupID, queue)
	}

	// Check total capacity
	current := p.totalQueuedMessages.Load()
	if int(current) >= p.queueCapacity {
		slog.Debug("Pool at capacity, rejecting message",
			"pool", p.poolCode,
			"current", current,
			"capacity", p.queueCapacity,
			"messageId", msg.ID)
		// Clean up batch+group tracking
		if batchGroupKey != "" {
			p.decrementAndCleanupBatchGroup(batchGroupKey)
		}
		return false
	}

	// Try to submit to queue
	select {
	case queue <- msg:
		p.totalQueuedMessages.Add(1)
		return true
	default:
		// Queue full
		if batchGroupKey != "" {
			p.decrementAndCleanupBatchGroup(batchGroupKey)
		}
		return false
	}
}

// submitUngrouped dispatches a message with no messageGroupId. It skips the
// per-group channel entirely so ungrouped messages achieve parallelism
// bounded only by maxConcurrency instead of being serialized behind a
// shared group.
func (p *ProcessPool) submitUngrouped(msg *MessagePointer) bool {
	current := p.totalQueuedMessages.Load()
	if int(current) >= p.queueCapacity {
		slog.Debug("Pool at capacity, rejecting ungrouped message",
			"pool", p.poolCode,
			"current", current,
			"capacity", p.queueCapacity,
			"messageId", msg.ID)
		return false
	}

	p.totalQueuedMessages.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.totalQueuedMessages.Add(-1)
		p.processMessage("", msg)
	}()
	return true
}

// startGroupGoroutine starts a dedicated goroutine for a message group
func (p *ProcessPool) startGroupGoroutine(groupID string, queue chan *MessagePointer) {
	p.activeGroupThreads.Store(groupID, true)
	p.wg.Add(1)
	go p.processMessageGroup(groupID, queue)
}

// processMessageGroup processes messages for a single group
func (p *ProcessPool) processMessageGroup(groupID string, queue chan *MessagePointer) {
	defer p.wg.Done()
	defer p.activeGroupThreads.Delete(groupID)

	slog.Debug("Starting message group processor",
		"pool", p.poolCode,
		"group", groupID)

	idleTimeout := time.Duration(IdleTimeoutMinutes) * time.Minute
	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			slog.Debug("Message group processor shutting down",
				"pool", p.poolCode,
				"group", groupID)
			return

		case msg := <-queue:
			if msg == nil {
				continue
			}

			// Reset idle timer
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idleTimeout)

			p.totalQueuedMessages.Add(-1)
			p.processMessage(groupID, msg)

		case <-timer.C:
			// Idle timeout - check if queue is empty and cleanup
			if len(queue) == 0 {
				slog.Debug("Message group idle, cleaning up",
					"pool", p.poolCode,
					"group", groupID,
					"idleMinutes", IdleTimeoutMinutes)
				p.messageGroupQueues.Delete(groupID)
				return
			}
			timer.Reset(idleTimeout)
		}
	}
}

// processMessage processes a single message. Order of checks matters: failure
// barrier, then rate limit, then circuit breaker - all before claiming a
// worker slot - so a denial never costs a concurrency permit.
func (p *ProcessPool) processMessage(groupID string, msg *MessagePointer) {
	var semaphoreAcquired bool

	defer func() {
		// CRITICAL: Always release semaphore
		if semaphoreAcquired {
			p.semaphore <- struct{}{}
		}

		// Handle panic
		if r := recover(); r != nil {
			slog.Error("Panic during message processing",
				"pool", p.poolCode,
				"messageId", msg.ID,
				"panic", r)
			p.finishWithResult(msg, &MediationOutcome{Result: model.ResultErrorConnection}, "")
		}
	}()

	// Check if batch+group has already failed (FIFO enforcement). Ungrouped
	// messages carry no ordering guarantee, so no failure barrier applies.
	var batchGroupKey string
	if msg.MessageGroupID != "" && msg.BatchID != "" {
		batchGroupKey = msg.BatchID + "|" + msg.MessageGroupID
	}

	if batchGroupKey != "" {
		if _, failed := p.failedBatchGroups.Load(batchGroupKey); failed {
			slog.Warn("Message from failed batch+group, nacking to preserve FIFO ordering",
				"pool", p.poolCode,
				"messageId", msg.ID,
				"batchGroup", batchGroupKey)
			p.finishWithResult(msg, &MediationOutcome{Result: model.ResultNackPoolFull}, batchGroupKey)
			return
		}
	}

	// Check rate limiting BEFORE acquiring semaphore - non-blocking
	if p.shouldRateLimit() {
		metrics.PoolRateLimitRejections.WithLabelValues(p.poolCode).Inc()
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "rate_limited").Inc()
		slog.Warn("Rate limit exceeded, nacking message",
			"pool", p.poolCode,
			"messageId", msg.ID)
		p.finishWithResult(msg, &MediationOutcome{Result: model.ResultNackRateLimit}, batchGroupKey)
		return
	}

	// Explicit circuit breaker check BEFORE acquiring semaphore - an open
	// circuit for this target must never consume a worker slot.
	if p.circuitChecker != nil && p.circuitChecker.IsOpen(msg.MediationTarget) {
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "circuit_open").Inc()
		slog.Warn("Circuit open for target, nacking message",
			"pool", p.poolCode,
			"messageId", msg.ID,
			"target", msg.MediationTarget)
		p.finishWithResult(msg, &MediationOutcome{Result: model.ResultNackCircuitOpen}, batchGroupKey)
		return
	}

	// Acquire semaphore permit - non-blocking fast-fail if the pool is saturated.
	select {
	case <-p.semaphore:
		semaphoreAcquired = true
	default:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "pool_full").Inc()
		slog.Warn("Pool at full concurrency, nacking message",
			"pool", p.poolCode,
			"messageId", msg.ID)
		p.finishWithResult(msg, &MediationOutcome{Result: model.ResultNackPoolFull}, batchGroupKey)
		return
	}

	// Process message through mediator
	slog.Info("Processing message via mediator",
		"pool", p.poolCode,
		"messageId", msg.ID,
		"target", msg.MediationTarget)

	startTime := time.Now()
	outcome := p.mediator.Process(msg)
	duration := time.Since(startTime)

	// Record metrics
	metrics.PoolProcessingDuration.WithLabelValues(p.poolCode).Observe(duration.Seconds())

	slog.Info("Message processing completed",
		"pool", p.poolCode,
		"messageId", msg.ID,
		"result", string(outcome.Result),
		"duration", duration)

	p.finishWithResult(msg, outcome, batchGroupKey)
}

// shouldRateLimit checks if the message should be rate limited
func (p *ProcessPool) shouldRateLimit() bool {
	p.rateLimitMu.RLock()
	limiter := p.rateLimiter
	p.rateLimitMu.RUnlock()

	if limiter == nil {
		return false
	}

	// Non-blocking check
	return !limiter.Allow()
}

// finishWithResult maps a mediation outcome to the exact ack/nack/visibility
// action per the result table, then clears any batch+group failure barrier
// bookkeeping.
func (p *ProcessPool) finishWithResult(msg *MessagePointer, outcome *MediationOutcome, batchGroupKey string) {
	if outcome == nil {
		outcome = &MediationOutcome{Result: model.ResultErrorProcess}
	}

	switch outcome.Result {
	case model.ResultSuccess:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "success").Inc()
		slog.Info("Message processed successfully - ACKing", "pool", p.poolCode, "messageId", msg.ID)
		p.messageCallback.Ack(msg)
		p.decrementAndCleanupBatchGroup(batchGroupKey)

	case model.ResultSuccessWithDelay:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "success").Inc()
		slog.Info("Message processed successfully with delayed redelivery - ACKing",
			"pool", p.poolCode, "messageId", msg.ID, "delaySeconds", outcome.GetEffectiveDelaySeconds())
		p.messageCallback.Ack(msg)
		p.decrementAndCleanupBatchGroup(batchGroupKey)

	case model.ResultNackRateLimit, model.ResultNackPoolFull, model.ResultNackCircuitOpen:
		// Denied before any call was made - fast-fail visibility for quick retry,
		// no failure barrier (these are capacity signals, not endpoint failures).
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		p.messageCallback.SetFastFailVisibility(msg)
		p.nackSafely(msg)
		p.decrementAndCleanupBatchGroup(batchGroupKey)

	case model.ResultErrorPayload:
		// Data-quality failure - retrying cannot succeed, so log and ack. No
		// failure barrier: the message is finished, not pending a retry.
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		slog.Warn("Payload rejected by endpoint - ACKing without retry", "pool", p.poolCode, "messageId", msg.ID)
		p.messageCallback.Ack(msg)
		p.decrementAndCleanupBatchGroup(batchGroupKey)

	case model.ResultErrorProcess:
		// Endpoint rejected the message - nack for retry, use a custom delay
		// if one was given, mark the batch+group failed to preserve FIFO.
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		if outcome.HasCustomDelay() {
			p.messageCallback.SetVisibilityDelay(msg, outcome.GetEffectiveDelaySeconds())
		} else {
			p.messageCallback.ResetVisibilityToDefault(msg)
		}
		p.nackSafely(msg)
		p.markBatchGroupFailed(batchGroupKey)

	case model.ResultErrorConnection, model.ResultErrorTimeout:
		// Transport-level failure - nack for retry, mark batch+group failed.
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		p.messageCallback.ResetVisibilityToDefault(msg)
		p.nackSafely(msg)
		p.markBatchGroupFailed(batchGroupKey)

	default:
		slog.Warn("Unknown mediation result - NACKing for retry",
			"pool", p.poolCode, "messageId", msg.ID, "result", string(outcome.Result))
		p.messageCallback.ResetVisibilityToDefault(msg)
		p.nackSafely(msg)
		p.markBatchGroupFailed(batchGroupKey)
	}
}

func (p *ProcessPool) markBatchGroupFailed(batchGroupKey string) {
	if batchGroupKey == "" {
		return
	}
	p.failedBatchGroups.Store(batchGroupKey, true)
	slog.Warn("Batch+group marked as failed", "pool", p.poolCode, "batchGroup", batchGroupKey)
	p.decrementAndCleanupBatchGroup(batchGroupKey)
}

// nackSafely safely nacks a message
func (p *ProcessPool) nackSafely(msg *MessagePointer) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic during message nack",
				"pool", p.poolCode,
				"messageId", msg.ID,
				"panic", r)
		}
	}()
	p.messageCallback.Nack(msg)
}

// decrementAndCleanupBatchGroup decrements count and cleans up if zero
func (p *ProcessPool) decrementAndCleanupBatchGroup(batchGroupKey string) {
	if batchGroupKey == "" {
		return
	}
	if counterIface, ok := p.batchGroupMessageCount.Load(batchGroupKey); ok {
		counter := counterIface.(*atomic.Int32)
		remaining := counter.Add(-1)
		if remaining <= 0 {
			p.batchGroupMessageCount.Delete(batchGroupKey)
			p.failedBatchGroups.Delete(batchGroupKey)
			slog.Debug("Batch+group fully processed, cleaned up",
				"pool", p.poolCode,
				"batchGroup", batchGroupKey)
		}
	}
}

// GetPoolCode returns the pool code
func (p *ProcessPool) GetPoolCode() string {
	return p.poolCode
}

// GetConcurrency returns the concurrency limit
func (p *ProcessPool) GetConcurrency() int {
	return int(atomic.LoadInt32(&p.concurrency))
}

// GetRateLimit returns the rate limit configuration
func (p *ProcessPool) GetRateLimit() *RateLimitConfig {
	p.rateLimitMu.RLock()
	defer p.rateLimitMu.RUnlock()
	return p.rateLimit
}

// IsFullyDrained returns true if the pool is fully drained
func (p *ProcessPool) IsFullyDrained() bool {
	return p.totalQueuedMessages.Load() == 0 && len(p.semaphore) == int(atomic.LoadInt32(&p.concurrency))
}

// Shutdown shuts down the pool
func (p *ProcessPool) Shutdown() {
	p.shutdownMu.Lock()
	defer p.shutdownMu.Unlock()

	p.running.Store(false)

	// Stop gauge updater first
	p.gaugeCancel()
	p.gaugeWg.Wait()

	p.cancel()

	// Wait for all goroutines with timeout
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Pool shutdown complete", "pool", p.poolCode)
	case <-time.After(10 * time.Second):
		slog.Warn("Pool shutdown timed out", "pool", p.poolCode)
	}
}

// GetQueueSize returns the total queued messages
func (p *ProcessPool) GetQueueSize() int {
	return int(p.totalQueuedMessages.Load())
}

// GetActiveWorkers returns the number of active workers
func (p *ProcessPool) GetActiveWorkers() int {
	return int(atomic.LoadInt32(&p.concurrency)) - len(p.semaphore)
}

// GetQueueCapacity returns the queue capacity
func (p *ProcessPool) GetQueueCapacity() int {
	return p.queueCapacity
}

// HasCapacity returns true if the pool can accept the specified number of messages
func (p *ProcessPool) HasCapacity(needed int) bool {
	return p.GetQueueSize()+needed <= p.queueCapacity
}

// IsRateLimited returns true if currently rate limited
func (p *ProcessPool) IsRateLimited() bool {
	p.rateLimitMu.RLock()
	limiter := p.rateLimiter
	p.rateLimitMu.RUnlock()

	if limiter == nil {
		return false
	}
	return limiter.Tokens() <= 0
}

// UpdateConcurrency updates the concurrency limit
func (p *ProcessPool) UpdateConcurrency(newLimit int, timeoutSeconds int) bool {
	if newLimit <= 0 {
		return false
	}

	current := int(atomic.LoadInt32(&p.concurrency))
	if newLimit == current {
		return true
	}

	if newLimit > current {
		// Increasing - add permits
		diff := newLimit - current
		for i := 0; i < diff; i++ {
			p.semaphore <- struct{}{}
		}
		atomic.StoreInt32(&p.concurrency, int32(newLimit))
		slog.Info("Concurrency increased",
			"pool", p.poolCode,
			"from", current,
			"to", newLimit)
		return true
	}

	// Decreasing - try to acquire permits with timeout
	diff := current - newLimit
	timeout := time.Duration(timeoutSeconds) * time.Second
	deadline := time.Now().Add(timeout)

	acquired := 0
	for acquired < diff {
		select {
		case <-p.semaphore:
			acquired++
		case <-time.After(time.Until(deadline)):
			// Timeout - release acquired permits and fail
			for i := 0; i < acquired; i++ {
				p.semaphore <- struct{}{}
			}
			slog.Warn("Concurrency decrease timed out",
				"pool", p.poolCode,
				"from", current,
				"to", newLimit)
			return false
		}
	}

	atomic.StoreInt32(&p.concurrency, int32(newLimit))
	slog.Info("Concurrency decreased",
		"pool", p.poolCode,
		"from", current,
		"to", newLimit)
	return true
}

// UpdateRateLimit updates the rate limit
func (p *ProcessPool) UpdateRateLimit(newLimit *RateLimitConfig) {
	p.rateLimitMu.Lock()
	defer p.rateLimitMu.Unlock()

	p.rateLimiter = newLimiter(newLimit)
	p.rateLimit = newLimit
	if newLimit == nil {
		slog.Info("Rate limiting disabled", "pool", p.poolCode)
	} else {
		slog.Info("Rate limit updated",
			"pool", p.poolCode,
			"eventsPerSecond", newLimit.EventsPerSecond,
			"burst", newLimit.Burst)
	}
}

// runGaugeUpdater runs the scheduled gauge update loop (every 500ms)
func (p *ProcessPool) runGaugeUpdater() {
	defer p.gaugeWg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	// Initial update
	p.updateGauges()

	for {
		select {
		case <-p.gaugeCtx.Done():
			return
		case <-ticker.C:
			p.updateGauges()
		}
	}
}

// updateGauges updates all pool gauge metrics
func (p *ProcessPool) updateGauges() {
	activeWorkers := p.GetActiveWorkers()
	queueSize := p.GetQueueSize()
	availablePermits := int(atomic.LoadInt32(&p.concurrency)) - activeWorkers
	messageGroupCount := p.countMessageGroups()

	// Update Prometheus gauges
	metrics.PoolActiveWorkers.WithLabelValues(p.poolCode).Set(float64(activeWorkers))
	metrics.PoolQueueDepth.WithLabelValues(p.poolCode).Set(float64(queueSize))
	metrics.PoolAvailablePermits.WithLabelValues(p.poolCode).Set(float64(availablePermits))
	metrics.PoolMessageGroupCount.WithLabelValues(p.poolCode).Set(float64(messageGroupCount))
}

// countMessageGroups returns the number of active message groups
func (p *ProcessPool) countMessageGroups() int {
	count := 0
	p.messageGroupQueues.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}
