package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/TicketsBot/gatewayclient/internal/jsoncodec"
	"github.com/rxdn/gdl/gateway/payloads"
	"github.com/rxdn/gdl/objects/user"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

const writeTimeout = 10 * time.Second

type Shard struct {
	Id int

	manager *ShardManager
	queue   *sendQueue

	mu             sync.Mutex
	status         Status
	sessionId      string
	sequence       int64
	closeSequence  int64
	resumeURL      string
	conn           *connection
	pending        chan error
	expectedGuilds map[string]struct{}
	helloTimer     *time.Timer
	readyTimer     *time.Timer
	readyGen       uint64
	heartbeat      heartbeatState
	connectedAt    time.Time
}

type heartbeatState struct {
	interval time.Duration
	acked    bool
	sentAt   time.Time
	latency  time.Duration
	stop     chan struct{}
}

type Session struct {
	SessionId     string
	Sequence      int64
	CloseSequence int64
	ResumeURL     string
}

type ShardInfo struct {
	Id          int       `json:"id"`
	Status      Status    `json:"status"`
	SessionId   string    `json:"session_id,omitempty"`
	Sequence    int64     `json:"sequence"`
	LatencyMs   int64     `json:"latency_ms"`
	QueuedSends int       `json:"queued_sends"`
	ConnectedAt time.Time `json:"connected_at"`
}

// connection is a single websocket connection. A shard replaces it on every
// reconnect, and anything still referencing an old connection is ignored.
type connection struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	requested int
	watchdog  *time.Timer
	closeOnce sync.Once
}

type destroyOptions struct {
	closeCode int
	reset     bool
	emit      bool
}

func newShard(manager *ShardManager, id int) *Shard {
	s := &Shard{
		Id:        id,
		manager:   manager,
		status:    StatusIdle,
		sequence:  -1,
		heartbeat: heartbeatState{acked: true},
	}

	s.queue = newSendQueue(manager.options.SendLimit, manager.options.SendWindow, s.write)
	return s
}

// Connect opens a connection to the gateway and blocks until the shard has
// received READY or RESUMED, or until the attempt fails.
func (s *Shard) Connect(ctx context.Context) error {
	if s.manager.isDestroyed() {
		return ErrManagerDestroyed
	}

	fallback := s.manager.gatewayURL()
	options := &s.manager.options

	s.mu.Lock()
	if s.conn != nil && s.status == StatusReady {
		s.mu.Unlock()
		return nil
	}

	if s.pending != nil {
		s.mu.Unlock()
		return ErrConnectInProgress
	}

	pending := make(chan error, 1)
	s.pending = pending

	if c := s.conn; c != nil {
		s.mu.Unlock()
		logrus.Debugf("shard %d: an open connection was found, attempting an immediate identify", s.Id)
		go s.identify(c)
		return s.await(ctx, pending)
	}

	gateway := s.resumeURL
	if gateway == "" {
		gateway = fallback
	}

	if s.status == StatusDisconnected {
		s.setStatus(StatusReconnecting)
	} else {
		s.setStatus(StatusConnecting)
	}
	s.mu.Unlock()

	logrus.Infof("shard %d: connecting to %s", s.Id, gateway)

	connCtx, cancel := context.WithCancel(context.Background())
	handshake := time.AfterFunc(options.HandshakeTimeout, cancel)
	stop := context.AfterFunc(ctx, cancel)

	ws, _, err := websocket.Dial(connCtx, gatewayAddress(gateway, options.Version), nil)
	handshake.Stop()
	stop()

	if err == nil && connCtx.Err() != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "")
		err = connCtx.Err()
	}

	if err == nil && s.manager.isDestroyed() {
		_ = ws.Close(websocket.StatusNormalClosure, "")
		err = ErrManagerDestroyed
	}

	if err != nil {
		cancel()

		s.mu.Lock()
		if s.pending == pending {
			s.pending = nil
		}
		s.setStatus(StatusDisconnected)
		s.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, ErrManagerDestroyed) {
			return err
		}

		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	ws.SetReadLimit(options.ReadLimit)
	c := &connection{
		ws:     ws,
		ctx:    connCtx,
		cancel: cancel,
	}

	s.mu.Lock()
	s.conn = c
	s.connectedAt = time.Now()
	s.setStatus(StatusNearly)
	s.helloTimer = time.AfterFunc(options.HelloTimeout, func() {
		s.helloTimeout(c)
	})
	s.mu.Unlock()

	go s.readLoop(c)

	return s.await(ctx, pending)
}

func (s *Shard) await(ctx context.Context, pending chan error) error {
	select {
	case err := <-pending:
		return err
	case <-ctx.Done():
		s.mu.Lock()
		if s.pending == pending {
			s.pending = nil
		}
		s.mu.Unlock()

		return ctx.Err()
	}
}

// resolve completes a pending Connect call, reporting whether one was waiting.
func (s *Shard) resolve(err error) bool {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if pending == nil {
		return false
	}

	pending <- err
	return true
}

func (s *Shard) readLoop(c *connection) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Warnf("shard %d: recovered panic while reading: %v", s.Id, r)
			s.teardown(c, destroyOptions{closeCode: 4000})
			s.closed(c, CloseEvent{Code: 4000, Reason: "panic while reading"})
		}
	}()

	for {
		messageType, data, err := c.ws.Read(c.ctx)
		if err != nil {
			s.closed(c, c.closeEvent(err))
			return
		}

		frame, err := decodeFrame(messageType, data)
		if err != nil {
			logrus.Warnf("shard %d: error whilst decoding payload: %s", s.Id, err.Error())
			s.manager.hooks.shardError(s.Id, err)
			continue
		}

		s.manager.hooks.raw(s.Id, frame)
		s.handleFrame(c, frame)
	}
}

func (s *Shard) handleFrame(c *connection, frame Frame) {
	if s.current() != c {
		return
	}

	if frame.S != nil {
		s.updateSequence(*frame.S)
	}

	if frame.Op == OpDispatch {
		switch frame.T {
		case "READY":
			s.onReady(c, frame)
		case "RESUMED":
			s.onResumed(c, frame)
		}
	}

	switch frame.Op {
	case OpHello:
		s.onHello(c, frame)
	case OpReconnect:
		logrus.Infof("shard %d: received reconnect payload from discord", s.Id)
		s.teardown(c, destroyOptions{closeCode: 4000})
	case OpInvalidSession:
		s.onInvalidSession(c, frame)
	case OpHeartbeat:
		s.sendHeartbeat(c, "requested", true)
	case OpHeartbeatAck:
		s.ackHeartbeat()
	case OpDispatch:
		s.manager.handlePacket(s, frame)

		switch frame.T {
		case "READY":
			s.checkReady(s.manager.options.WaitGuildTimeout)
		case "GUILD_CREATE":
			s.onGuildCreate(frame)
		}
	default:
		logrus.Debugf("shard %d: ignoring payload with opcode %d", s.Id, frame.Op)
	}
}

func (s *Shard) updateSequence(seq int64) {
	s.mu.Lock()
	if seq > s.sequence {
		s.sequence = seq
	}
	s.mu.Unlock()
}

func (s *Shard) onHello(c *connection, frame Frame) {
	var payload hello
	if err := jsoncodec.Unmarshal(frame.D, &payload); err != nil {
		logrus.Warnf("shard %d: error whilst decoding hello: %s", s.Id, err.Error())
		s.manager.hooks.shardError(s.Id, err)
		return
	}

	interval := time.Duration(payload.HeartbeatInterval) * time.Millisecond

	s.mu.Lock()
	if s.helloTimer != nil {
		s.helloTimer.Stop()
		s.helloTimer = nil
	}
	s.startHeartbeat(c, interval)
	s.mu.Unlock()

	logrus.Debugf("shard %d: received hello, heartbeating every %s", s.Id, interval)
	s.identify(c)
}

func (s *Shard) helloTimeout(c *connection) {
	if s.current() != c {
		return
	}

	logrus.Warnf("shard %d: did not receive hello in time, reconnecting", s.Id)
	s.teardown(c, destroyOptions{closeCode: 4009, reset: true})
}

func (s *Shard) onReady(c *connection, frame Frame) {
	var payload ready
	if err := jsoncodec.Unmarshal(frame.D, &payload); err != nil {
		logrus.Warnf("shard %d: error whilst decoding ready: %s", s.Id, err.Error())
		s.manager.hooks.shardError(s.Id, err)
		return
	}

	s.mu.Lock()
	s.sessionId = payload.SessionId
	s.resumeURL = payload.ResumeGatewayURL
	s.expectedGuilds = make(map[string]struct{})
	for _, guild := range payload.Guilds {
		if guild.Unavailable {
			s.expectedGuilds[guild.Id] = struct{}{}
		}
	}
	expected := len(s.expectedGuilds)
	s.setStatus(StatusWaitingForGuilds)
	s.heartbeat.acked = true
	s.mu.Unlock()

	logrus.Infof("shard %d: ready, session %s, waiting for %d guilds", s.Id, payload.SessionId, expected)

	s.resolve(nil)
	s.sendHeartbeat(c, "ready", false)
}

func (s *Shard) onResumed(c *connection, frame Frame) {
	s.mu.Lock()
	var replayed int64
	if frame.S != nil {
		replayed = *frame.S - s.closeSequence
	}
	s.setStatus(StatusReady)
	s.heartbeat.acked = true
	s.mu.Unlock()

	logrus.Infof("shard %d: resumed session, replayed %d events", s.Id, replayed)

	s.resolve(nil)
	s.manager.onShardResumed(s, replayed)
	s.sendHeartbeat(c, "resumed", false)
}

func (s *Shard) onInvalidSession(c *connection, frame Frame) {
	var resumable bool
	if err := jsoncodec.Unmarshal(frame.D, &resumable); err != nil {
		resumable = false
	}

	if resumable {
		logrus.Infof("shard %d: session invalidated but resumable, resuming", s.Id)
		s.identifyResume(c)
		return
	}

	logrus.Infof("shard %d: received invalid session payload from discord", s.Id)

	s.mu.Lock()
	s.sequence = -1
	s.sessionId = ""
	s.resumeURL = ""
	s.setStatus(StatusReconnecting)
	s.mu.Unlock()

	s.resolve(ErrInvalidSession)
	s.teardown(c, destroyOptions{closeCode: 4000, reset: true})
}

func (s *Shard) onGuildCreate(frame Frame) {
	s.mu.Lock()
	if s.status != StatusWaitingForGuilds {
		s.mu.Unlock()
		return
	}

	var guild guildCreate
	if err := jsoncodec.Unmarshal(frame.D, &guild); err == nil {
		delete(s.expectedGuilds, guild.Id)
	}
	s.mu.Unlock()

	s.checkReady(s.manager.options.GuildGraceTimeout)
}

// checkReady marks the shard as ready once no guilds are outstanding, or
// arms a timer that does so regardless after timeout.
func (s *Shard) checkReady(timeout time.Duration) {
	s.mu.Lock()
	s.stopReadyTimer()

	if s.status != StatusWaitingForGuilds {
		s.mu.Unlock()
		return
	}

	if len(s.expectedGuilds) == 0 {
		s.setStatus(StatusReady)
		s.mu.Unlock()

		logrus.Infof("shard %d: received all guilds, marking as fully ready", s.Id)
		s.manager.onShardReady(s, nil)
		return
	}

	gen := s.readyGen
	s.readyTimer = time.AfterFunc(timeout, func() {
		s.guildTimeout(gen)
	})
	s.mu.Unlock()
}

func (s *Shard) guildTimeout(gen uint64) {
	s.mu.Lock()
	if gen != s.readyGen || s.status != StatusWaitingForGuilds {
		s.mu.Unlock()
		return
	}

	s.readyTimer = nil
	unavailable := make([]string, 0, len(s.expectedGuilds))
	for id := range s.expectedGuilds {
		unavailable = append(unavailable, id)
	}
	sort.Strings(unavailable)
	s.setStatus(StatusReady)
	s.mu.Unlock()

	logrus.Infof("shard %d: will not receive any more guild packets, %d guilds unavailable", s.Id, len(unavailable))
	s.manager.onShardReady(s, unavailable)
}

func (s *Shard) identify(c *connection) {
	s.mu.Lock()
	resumable := s.sessionId != ""
	s.mu.Unlock()

	if resumable {
		s.identifyResume(c)
	} else {
		s.identifyNew(c)
	}
}

func (s *Shard) identifyNew(c *connection) {
	options := &s.manager.options
	total := s.manager.totalShards()

	s.mu.Lock()
	if s.conn != c {
		s.mu.Unlock()
		return
	}
	s.setStatus(StatusIdentifying)
	s.mu.Unlock()

	if err := s.manager.identifyLimiter.IdentifyWait(c.ctx, s.Id); err != nil {
		if c.ctx.Err() != nil {
			return
		}

		logrus.Warnf("shard %d: error whilst waiting on identify ratelimit: %s", s.Id, err.Error())
	}

	payload := identify{
		Token:              s.manager.token,
		Properties:         options.Properties,
		Compress:           options.Compress,
		LargeThreshold:     options.LargeThreshold,
		Shard:              [2]int{s.Id, total},
		GuildSubscriptions: options.GuildSubscriptions,
		Intents:            options.intents(),
	}

	if options.Presence != nil {
		payload.Presence = options.Presence
	}

	logrus.Infof("shard %d: identifying as a new session", s.Id)
	if err := s.sendFrame(OpIdentify, payload, true); err != nil {
		logrus.Warnf("shard %d: error whilst sending identify: %s", s.Id, err.Error())
	}
}

func (s *Shard) identifyResume(c *connection) {
	s.mu.Lock()
	if s.conn != c {
		s.mu.Unlock()
		return
	}

	if s.sessionId == "" {
		s.mu.Unlock()
		logrus.Debugf("shard %d: no session id present, identifying as a new session instead", s.Id)
		s.identifyNew(c)
		return
	}

	seq := s.sequence
	if seq == -1 {
		seq = s.closeSequence
	}

	payload := resume{
		Token:     s.manager.token,
		SessionId: s.sessionId,
		Sequence:  seq,
	}
	s.setStatus(StatusResuming)
	s.mu.Unlock()

	logrus.Infof("shard %d: resuming session %s at sequence %d", s.Id, payload.SessionId, seq)
	if err := s.sendFrame(OpResume, payload, true); err != nil {
		logrus.Warnf("shard %d: error whilst sending resume: %s", s.Id, err.Error())
	}
}

// startHeartbeat must be called with s.mu held.
func (s *Shard) startHeartbeat(c *connection, interval time.Duration) {
	s.stopHeartbeat()
	if interval <= 0 {
		return
	}

	stop := make(chan struct{})
	s.heartbeat.interval = interval
	s.heartbeat.stop = stop

	go s.countdownHeartbeat(c, interval, stop)
}

func (s *Shard) countdownHeartbeat(c *connection, interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sendHeartbeat(c, "timer", false)
		}
	}
}

func (s *Shard) stopHeartbeat() {
	if s.heartbeat.stop != nil {
		close(s.heartbeat.stop)
		s.heartbeat.stop = nil
	}
}

func (s *Shard) sendHeartbeat(c *connection, tag string, ignoreAck bool) {
	s.mu.Lock()
	if c == nil || s.conn != c {
		s.mu.Unlock()
		return
	}

	if !ignoreAck {
		ignoreAck = s.status.handshaking()
	}

	if !s.heartbeat.acked && !ignoreAck {
		s.mu.Unlock()

		logrus.Warnf("shard %d: [%s] didn't receive a heartbeat ack last time, assuming zombie connection", s.Id, tag)
		s.teardown(c, destroyOptions{closeCode: 4000})
		return
	}

	if !s.heartbeat.acked {
		logrus.Debugf("shard %d: [%s] heartbeat ack not received yet, sending anyway", s.Id, tag)
	}

	s.heartbeat.acked = false
	s.heartbeat.sentAt = time.Now()
	seq := s.sequence
	if seq == -1 && s.sessionId != "" {
		seq = s.closeSequence
	}
	s.mu.Unlock()

	var data any
	if seq != -1 {
		data = seq
	}

	if err := s.sendFrame(OpHeartbeat, data, true); err != nil {
		logrus.Warnf("shard %d: error whilst sending heartbeat: %s", s.Id, err.Error())
	}
}

func (s *Shard) ackHeartbeat() {
	s.mu.Lock()
	s.heartbeat.acked = true
	var latency time.Duration
	if !s.heartbeat.sentAt.IsZero() {
		latency = time.Since(s.heartbeat.sentAt)
		s.heartbeat.latency = latency
	}
	s.mu.Unlock()

	s.manager.metrics.Latency(s.Id, latency)
	logrus.Debugf("shard %d: heartbeat acknowledged, latency of %s", s.Id, latency)
}

// destroy tears down the current connection, if any. It reports whether a
// connection was closed, in which case its close event will follow.
func (s *Shard) destroy(opts destroyOptions) bool {
	return s.teardown(nil, opts)
}

func (s *Shard) teardown(expected *connection, opts destroyOptions) bool {
	if opts.closeCode == 0 {
		opts.closeCode = int(websocket.StatusNormalClosure)
	}

	s.mu.Lock()
	if expected != nil && s.conn != expected {
		s.mu.Unlock()
		return false
	}

	c := s.conn
	s.conn = nil
	s.stopTimers()

	if s.sequence != -1 {
		s.closeSequence = s.sequence
	}

	if opts.reset {
		s.sessionId = ""
		s.resumeURL = ""
		s.sequence = -1
	}

	s.setStatus(StatusDisconnected)
	s.mu.Unlock()

	s.queue.reset()
	logrus.Debugf("shard %d: destroying connection with code %d (reset: %t)", s.Id, opts.closeCode, opts.reset)

	if c == nil {
		if opts.emit {
			s.resolve(ErrShardDestroyed)
			s.manager.onShardDestroyed(s)
		}

		return false
	}

	c.close(opts.closeCode, s.manager.options.CloseTimeout, func() {
		logrus.Debugf("shard %d: connection did not close properly, assuming a zombie connection", s.Id)
		s.closed(c, CloseEvent{Code: opts.closeCode, Reason: "close timeout"})
	})

	return true
}

// stopTimers must be called with s.mu held.
func (s *Shard) stopTimers() {
	s.stopHeartbeat()
	s.stopReadyTimer()

	if s.helloTimer != nil {
		s.helloTimer.Stop()
		s.helloTimer = nil
	}
}

func (s *Shard) stopReadyTimer() {
	s.readyGen++
	if s.readyTimer != nil {
		s.readyTimer.Stop()
		s.readyTimer = nil
	}
}

// closed is called exactly once per connection, either by the read loop or
// by the close watchdog.
func (s *Shard) closed(c *connection, event CloseEvent) {
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		if c.watchdog != nil {
			c.watchdog.Stop()
		}
		c.mu.Unlock()

		s.onClose(c, event)
	})
}

func (s *Shard) onClose(c *connection, event CloseEvent) {
	s.mu.Lock()
	if s.conn != nil && s.conn != c {
		s.mu.Unlock()
		return
	}

	if s.sequence != -1 {
		s.closeSequence = s.sequence
	}
	s.sequence = -1
	s.stopTimers()

	remote := s.conn == c
	if remote {
		s.conn = nil
	}

	s.setStatus(StatusDisconnected)
	s.mu.Unlock()

	if remote {
		s.queue.reset()
	}

	logrus.Infof("shard %d: connection closed with code %d %s", s.Id, event.Code, event.Reason)

	awaited := s.resolve(&CloseError{ShardId: s.Id, CloseEvent: event})
	s.manager.onShardClose(s, event, awaited)
}

func (c *connection) close(code int, timeout time.Duration, onTimeout func()) {
	c.mu.Lock()
	if c.requested != 0 {
		c.mu.Unlock()
		return
	}

	c.requested = code
	c.watchdog = time.AfterFunc(timeout, onTimeout)
	c.mu.Unlock()

	go func() {
		_ = c.ws.Close(websocket.StatusCode(code), "")
	}()
}

func (c *connection) closeEvent(err error) CloseEvent {
	c.mu.Lock()
	requested := c.requested
	c.mu.Unlock()

	if requested != 0 {
		return CloseEvent{Code: requested}
	}

	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		return CloseEvent{Code: int(closeErr.Code), Reason: closeErr.Reason}
	}

	return CloseEvent{Code: int(websocket.StatusAbnormalClosure), Reason: err.Error()}
}

func (s *Shard) sendFrame(op Opcode, data any, important bool) error {
	frame, err := NewFrame(op, data)
	if err != nil {
		return err
	}

	return s.enqueue(frame, important)
}

func (s *Shard) enqueue(frame Frame, important bool) error {
	encoded, err := frame.Encode()
	if err != nil {
		return err
	}

	s.queue.push(encoded, important)
	return nil
}

// write is the send queue's sink.
func (s *Shard) write(payload []byte) {
	c := s.current()
	if c == nil {
		logrus.Debugf("shard %d: tried to send a payload without an open connection, dropping it", s.Id)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()

	if err := c.ws.Write(ctx, websocket.MessageText, payload); err != nil {
		logrus.Warnf("shard %d: error whilst writing payload: %s", s.Id, err.Error())
		s.manager.hooks.shardError(s.Id, fmt.Errorf("%w: %v", ErrTransport, err))
	}
}

// Send queues a frame behind any pending heartbeat, identify or resume.
func (s *Shard) Send(frame Frame) error {
	if s.current() == nil {
		return ErrNotConnected
	}

	return s.enqueue(frame, false)
}

func (s *Shard) UpdateStatus(status user.UpdateStatus) error {
	if s.current() == nil {
		return ErrNotConnected
	}

	encoded, err := jsoncodec.Marshal(payloads.NewPresenceUpdate(status))
	if err != nil {
		return err
	}

	s.queue.push(encoded, false)
	return nil
}

func (s *Shard) current() *connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// setStatus must be called with s.mu held.
func (s *Shard) setStatus(status Status) {
	s.status = status
	s.manager.metrics.ShardStatus(s.Id, int(status))
}

func (s *Shard) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Shard) Session() Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Session{
		SessionId:     s.sessionId,
		Sequence:      s.sequence,
		CloseSequence: s.closeSequence,
		ResumeURL:     s.resumeURL,
	}
}

func (s *Shard) Latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeat.latency
}

func (s *Shard) Info() ShardInfo {
	s.mu.Lock()
	info := ShardInfo{
		Id:          s.Id,
		Status:      s.status,
		SessionId:   s.sessionId,
		Sequence:    s.sequence,
		LatencyMs:   s.heartbeat.latency.Milliseconds(),
		ConnectedAt: s.connectedAt,
	}
	s.mu.Unlock()

	info.QueuedSends = s.queue.pending()
	return info
}

func (s *Shard) hasSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionId != ""
}

func (s *Shard) clearSession() {
	s.mu.Lock()
	s.sessionId = ""
	s.resumeURL = ""
	s.sequence = -1
	s.mu.Unlock()
}

func gatewayAddress(base string, version int) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}

	if u.Path == "" {
		u.Path = "/"
	}

	query := u.Query()
	query.Set("v", strconv.Itoa(version))
	query.Set("encoding", "json")
	u.RawQuery = query.Encode()

	return u.String()
}
