package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TicketsBot/gatewayclient/metrics"
	"github.com/sirupsen/logrus"
)

var ErrAlreadyConnected = errors.New("shard manager is already connected")

// ShardManager spawns shards one at a time, requeues shards that
// disconnect, and holds dispatches back until every shard is ready.
type ShardManager struct {
	options ShardOptions
	hooks   Hooks
	metrics *metrics.Gateway
	token   string

	dispatcher      *dispatcher
	identifyLimiter IdentifyLimiter

	mu        sync.Mutex
	shards    map[int]*Shard
	queue     []*Shard
	spawning  bool
	gateway   string
	count     ShardCount
	status    Status
	destroyed bool
	ready     chan struct{}
	done      chan struct{}
	readyAt   time.Time
}

func NewShardManager(token string, options ShardOptions, hooks Hooks, dispatch func(Event)) *ShardManager {
	options.fillDefaults()

	if dispatch == nil {
		dispatch = func(Event) {}
	}

	return &ShardManager{
		options:         options,
		hooks:           hooks,
		metrics:         options.Metrics,
		token:           token,
		dispatcher:      newDispatcher(dispatch),
		identifyLimiter: options.IdentifyLimiter,
		shards:          make(map[int]*Shard),
		gateway:         options.GatewayURL,
		status:          StatusIdle,
		ready:           make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Connect discovers the gateway, then spawns every shard in the configured
// range. It returns once each shard has received READY or RESUMED, or with
// the first unrecoverable error.
func (m *ShardManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrManagerDestroyed
	}

	if len(m.shards) > 0 {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.mu.Unlock()

	info := m.fetchGatewayInfo(ctx)

	count := m.options.ShardCount
	if count.Total <= 0 {
		count.Total = 1
		if info != nil && info.Shards > 0 {
			count.Total = info.Shards
		}
	}

	if count.Lowest < 0 {
		count.Lowest = 0
	}

	if count.Highest <= 0 || count.Highest > count.Total {
		count.Highest = count.Total
	}

	if count.Lowest >= count.Highest {
		return fmt.Errorf("%w: no shards between %d and %d", ErrInvalidShard, count.Lowest, count.Highest)
	}

	if m.identifyLimiter == nil {
		buckets := m.options.LargeShardingBuckets
		if info != nil && info.MaxConcurrency > buckets {
			buckets = info.MaxConcurrency
		}

		m.identifyLimiter = NewLocalIdentifyLimiter(buckets, m.options.IdentifyInterval)
	}

	m.mu.Lock()
	if info != nil && info.URL != "" {
		m.gateway = info.URL
	}

	m.count = count
	for id := count.Lowest; id < count.Highest; id++ {
		shard := newShard(m, id)
		m.shards[id] = shard
		m.queue = append(m.queue, shard)
	}

	m.spawning = true
	m.mu.Unlock()

	logrus.Infof("spawning shards %d to %d of %d", count.Lowest, count.Highest-1, count.Total)
	return m.createShards(ctx)
}

func (m *ShardManager) fetchGatewayInfo(ctx context.Context) *GatewayInfo {
	if m.options.GatewayInfo == nil {
		return nil
	}

	info, err := m.options.GatewayInfo(ctx)
	if err != nil {
		logrus.Warnf("failed to fetch gateway information, falling back to %s: %s", m.options.GatewayURL, err.Error())
		return nil
	}

	return info
}

func (m *ShardManager) createShards(ctx context.Context) error {
	for {
		shard := m.nextShard()
		if shard == nil {
			return nil
		}

		if err := shard.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				m.stopSpawning()
				return ctx.Err()
			}

			if errors.Is(err, ErrProtocolViolation) || errors.Is(err, ErrManagerDestroyed) {
				m.stopSpawning()
				return err
			}

			logrus.Warnf("shard %d: error whilst connecting, requeueing: %s", shard.Id, err.Error())
			m.hooks.shardError(shard.Id, err)
			m.enqueue(shard)
		}

		if m.queued() > 0 {
			logrus.Debugf("waiting %s before spawning the next shard", m.options.SpawnDelay)

			if err := sleepContext(ctx, m.options.SpawnDelay); err != nil {
				m.stopSpawning()
				return err
			}
		}
	}
}

func (m *ShardManager) nextShard() *Shard {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed || len(m.queue) == 0 {
		m.spawning = false
		return nil
	}

	shard := m.queue[0]
	m.queue = m.queue[1:]
	return shard
}

func (m *ShardManager) enqueue(shard *Shard) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return
	}

	for _, queued := range m.queue {
		if queued == shard {
			return
		}
	}

	m.queue = append(m.queue, shard)
}

func (m *ShardManager) queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *ShardManager) stopSpawning() {
	m.mu.Lock()
	m.spawning = false
	m.mu.Unlock()
}

// reconnect starts spawning queued shards unless a spawn loop is already
// running, in which case that loop picks them up.
func (m *ShardManager) reconnect() {
	m.mu.Lock()
	if m.spawning || m.destroyed || len(m.queue) == 0 {
		m.mu.Unlock()
		return
	}

	m.spawning = true
	m.mu.Unlock()

	go func() {
		err := m.createShards(context.Background())
		if err != nil && !errors.Is(err, ErrManagerDestroyed) {
			m.handleFatal(err)
		}
	}()
}

func (m *ShardManager) onShardClose(s *Shard, event CloseEvent, awaited bool) {
	destroyed := m.isDestroyed()
	fatal := IsFatalCloseCode(event.Code)

	if fatal || (event.Code == 1000 && destroyed) {
		logrus.Warnf("shard %d: disconnected with code %d", s.Id, event.Code)
		m.hooks.shardDisconnect(s.Id, event)

		// a spawn loop waiting on this shard reports the error itself
		if fatal && !awaited {
			m.handleFatal(&CloseError{ShardId: s.Id, CloseEvent: event})
		}

		return
	}

	if destroyed {
		return
	}

	if unresumableCloseCodes[event.Code] {
		s.clearSession()
	}

	resumable := s.hasSession()
	if resumable {
		logrus.Debugf("shard %d: session id is present, attempting an immediate reconnect", s.Id)
	}

	m.metrics.Reconnect(s.Id, resumable)
	m.hooks.shardReconnecting(s.Id)
	m.enqueue(s)
	m.reconnect()
}

func (m *ShardManager) onShardDestroyed(s *Shard) {
	if m.isDestroyed() {
		return
	}

	m.hooks.shardReconnecting(s.Id)
	m.enqueue(s)
	m.reconnect()
}

func (m *ShardManager) onShardReady(s *Shard, unavailable []string) {
	m.hooks.shardReady(s.Id, unavailable)
	m.checkShardsReady()
}

func (m *ShardManager) onShardResumed(s *Shard, replayed int64) {
	m.hooks.shardResumed(s.Id, replayed)
	m.checkShardsReady()
}

func (m *ShardManager) checkShardsReady() {
	m.mu.Lock()
	if m.destroyed || m.status == StatusReady {
		m.mu.Unlock()
		return
	}

	total := m.count.Highest - m.count.Lowest
	if total <= 0 || len(m.shards) != total {
		m.mu.Unlock()
		return
	}

	for _, shard := range m.shards {
		if shard.Status() != StatusReady {
			m.mu.Unlock()
			return
		}
	}

	m.status = StatusReady
	m.readyAt = time.Now()
	close(m.ready)
	m.mu.Unlock()

	logrus.Infof("all %d shards are ready", total)
	m.metrics.Ready(true)
	m.hooks.clientReady()
	m.dispatcher.markReady()
}

func (m *ShardManager) handlePacket(s *Shard, frame Frame) {
	m.metrics.Event(frame.T)
	m.dispatcher.push(newEvent(s.Id, frame))
}

func (m *ShardManager) handleFatal(err error) {
	logrus.Errorf("unrecoverable gateway error: %s", err.Error())
	m.hooks.fatal(err)

	if m.options.FatalPolicy == FatalPolicyRestart {
		m.restart()
		return
	}

	m.Destroy()
	m.hooks.invalidated()
}

// restart drops every session and spawns all shards again.
func (m *ShardManager) restart() {
	logrus.Warnf("restarting every shard with a fresh session")

	for _, shard := range m.shardList() {
		if !shard.destroy(destroyOptions{closeCode: 4000, reset: true}) {
			m.enqueue(shard)
		}
	}

	m.reconnect()
}

// Destroy closes every shard and stops delivering events. A destroyed
// manager cannot be reconnected.
func (m *ShardManager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}

	m.destroyed = true
	m.queue = nil
	close(m.done)
	m.mu.Unlock()

	logrus.Info("destroying shard manager")

	for _, shard := range m.shardList() {
		shard.destroy(destroyOptions{closeCode: 1000, reset: true})
	}

	m.dispatcher.close()
	m.metrics.Ready(false)
}

// Broadcast sends the frame to every connected shard.
func (m *ShardManager) Broadcast(frame Frame) error {
	var errs []error
	for _, shard := range m.shardList() {
		if err := shard.Send(frame); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", shard.Id, err))
		}
	}

	return errors.Join(errs...)
}

// WaitReady blocks until every shard has become ready for the first time. It
// fails if the manager is destroyed first, for example by a fatal close code.
func (m *ShardManager) WaitReady(ctx context.Context) error {
	select {
	case <-m.ready:
		return nil
	default:
	}

	select {
	case <-m.ready:
		return nil
	case <-m.done:
		return ErrManagerDestroyed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready is closed once every shard has become ready for the first time.
func (m *ShardManager) Ready() <-chan struct{} {
	return m.ready
}

func (m *ShardManager) ReadyAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readyAt
}

func (m *ShardManager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *ShardManager) Shard(id int) (*Shard, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	shard, ok := m.shards[id]
	return shard, ok
}

func (m *ShardManager) Shards() []ShardInfo {
	shards := m.shardList()

	info := make([]ShardInfo, len(shards))
	for i, shard := range shards {
		info[i] = shard.Info()
	}

	return info
}

// Ping is the average heartbeat latency of the shards that have measured one.
func (m *ShardManager) Ping() time.Duration {
	var total time.Duration
	var count int

	for _, shard := range m.shardList() {
		if latency := shard.Latency(); latency > 0 {
			total += latency
			count++
		}
	}

	if count == 0 {
		return 0
	}

	return total / time.Duration(count)
}

func (m *ShardManager) shardList() []*Shard {
	m.mu.Lock()
	shards := make([]*Shard, 0, len(m.shards))
	for _, shard := range m.shards {
		shards = append(shards, shard)
	}
	m.mu.Unlock()

	sort.Slice(shards, func(i, j int) bool {
		return shards[i].Id < shards[j].Id
	})

	return shards
}

func (m *ShardManager) gatewayURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gateway
}

func (m *ShardManager) totalShards() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count.Total
}

func (m *ShardManager) isDestroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
