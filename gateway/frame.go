package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/TicketsBot/gatewayclient/internal/jsoncodec"
	"github.com/tatsuworks/czlib"
	"nhooyr.io/websocket"
)

type Opcode int

const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpStatusUpdate        Opcode = 3
	OpVoiceStateUpdate    Opcode = 4
	OpResume              Opcode = 6
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatAck        Opcode = 11
)

// Frame is the envelope shared by every inbound and outbound gateway message.
type Frame struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

func NewFrame(op Opcode, data any) (Frame, error) {
	encoded, err := jsoncodec.Marshal(data)
	if err != nil {
		return Frame{}, err
	}

	return Frame{Op: op, D: encoded}, nil
}

func (f Frame) Encode() ([]byte, error) {
	if f.D == nil {
		f.D = json.RawMessage("null")
	}

	return jsoncodec.Marshal(f)
}

// decodeFrame accepts both plain text frames and zlib compressed binary frames.
func decodeFrame(messageType websocket.MessageType, data []byte) (Frame, error) {
	if messageType == websocket.MessageBinary {
		inflated, err := inflate(data)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrDecodeError, err)
		}

		data = inflated
	}

	var frame Frame
	if err := jsoncodec.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrDecodeError, err)
	}

	return frame, nil
}

func inflate(data []byte) ([]byte, error) {
	reader, err := czlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	return io.ReadAll(reader)
}

type hello struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

type identify struct {
	Token              string             `json:"token"`
	Properties         IdentifyProperties `json:"properties"`
	Compress           bool               `json:"compress"`
	LargeThreshold     int                `json:"large_threshold,omitempty"`
	Shard              [2]int             `json:"shard"`
	Presence           any                `json:"presence,omitempty"`
	GuildSubscriptions bool               `json:"guild_subscriptions"`
	Intents            int                `json:"intents"`
}

type IdentifyProperties struct {
	Os      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type resume struct {
	Token     string `json:"token"`
	SessionId string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

type ready struct {
	SessionId        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
	Guilds           []struct {
		Id          string `json:"id"`
		Unavailable bool   `json:"unavailable"`
	} `json:"guilds"`
}

type guildCreate struct {
	Id string `json:"id"`
}
