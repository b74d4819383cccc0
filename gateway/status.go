package gateway

type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusNearly
	StatusIdentifying
	StatusResuming
	StatusWaitingForGuilds
	StatusReady
	StatusReconnecting
	StatusDisconnected
)

var statusNames = [...]string{
	StatusIdle:             "idle",
	StatusConnecting:       "connecting",
	StatusNearly:           "nearly",
	StatusIdentifying:      "identifying",
	StatusResuming:         "resuming",
	StatusWaitingForGuilds: "waiting_for_guilds",
	StatusReady:            "ready",
	StatusReconnecting:     "reconnecting",
	StatusDisconnected:     "disconnected",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}

	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// handshaking reports whether missing heartbeat acks should be tolerated.
func (s Status) handshaking() bool {
	return s == StatusIdentifying || s == StatusResuming || s == StatusWaitingForGuilds
}
