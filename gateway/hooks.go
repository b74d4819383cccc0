package gateway

// Hooks receive lifecycle signals from the shard manager. Every hook is
// optional and is called from the goroutine that observed the change, so
// implementations must not block.
type Hooks struct {
	OnShardReady        func(shardId int, unavailableGuilds []string)
	OnShardResumed      func(shardId int, replayed int64)
	OnShardReconnecting func(shardId int)
	OnShardDisconnect   func(shardId int, event CloseEvent)
	OnShardError        func(shardId int, err error)
	OnClientReady       func()
	OnInvalidated       func()
	OnFatal             func(err error)
	OnRaw               func(shardId int, frame Frame)
}

func (h *Hooks) shardReady(shardId int, unavailable []string) {
	if h.OnShardReady != nil {
		h.OnShardReady(shardId, unavailable)
	}
}

func (h *Hooks) shardResumed(shardId int, replayed int64) {
	if h.OnShardResumed != nil {
		h.OnShardResumed(shardId, replayed)
	}
}

func (h *Hooks) shardReconnecting(shardId int) {
	if h.OnShardReconnecting != nil {
		h.OnShardReconnecting(shardId)
	}
}

func (h *Hooks) shardDisconnect(shardId int, event CloseEvent) {
	if h.OnShardDisconnect != nil {
		h.OnShardDisconnect(shardId, event)
	}
}

func (h *Hooks) shardError(shardId int, err error) {
	if h.OnShardError != nil {
		h.OnShardError(shardId, err)
	}
}

func (h *Hooks) clientReady() {
	if h.OnClientReady != nil {
		h.OnClientReady()
	}
}

func (h *Hooks) invalidated() {
	if h.OnInvalidated != nil {
		h.OnInvalidated()
	}
}

func (h *Hooks) fatal(err error) {
	if h.OnFatal != nil {
		h.OnFatal(err)
	}
}

func (h *Hooks) raw(shardId int, frame Frame) {
	if h.OnRaw != nil {
		h.OnRaw(shardId, frame)
	}
}
