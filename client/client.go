package client

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/TicketsBot/gatewayclient/cache"
	"github.com/TicketsBot/gatewayclient/gateway"
	"github.com/TicketsBot/gatewayclient/rest"
	"github.com/sirupsen/logrus"
)

var (
	ErrTokenInvalid    = errors.New("an invalid token was provided")
	ErrAlreadyLoggedIn = errors.New("client is already logged in")
)

type Options struct {
	Rest    rest.Options
	Gateway gateway.ShardOptions
	Hooks   gateway.Hooks
	// CacheFactory backs the gateway state. Nil keeps everything in memory.
	CacheFactory cache.Factory[string, json.RawMessage]
}

func DefaultOptions() Options {
	return Options{
		Rest:    rest.DefaultOptions(),
		Gateway: gateway.DefaultShardOptions(),
	}
}

type Client struct {
	Rest   *rest.Manager
	Router *gateway.Router
	State  *gateway.State

	options Options

	mu     sync.Mutex
	token  string
	shards *gateway.ShardManager
}

func New(options Options) (*Client, error) {
	restManager, err := rest.NewManager(options.Rest)
	if err != nil {
		return nil, err
	}

	router := gateway.NewRouter()
	state := gateway.NewState(options.CacheFactory)
	state.Register(router)

	return &Client{
		Rest:    restManager,
		Router:  router,
		State:   state,
		options: options,
	}, nil
}

// Login connects every configured shard and returns once they are all ready.
// The client is destroyed if any shard fails unrecoverably.
func (c *Client) Login(ctx context.Context, token string) error {
	token = normaliseToken(token)
	if token == "" {
		return ErrTokenInvalid
	}

	c.mu.Lock()
	if c.shards != nil {
		c.mu.Unlock()
		return ErrAlreadyLoggedIn
	}

	logrus.Debugf("provided token: %s", maskToken(token))

	c.token = token
	c.Rest.SetToken(token)

	options := c.options.Gateway
	if options.GatewayInfo == nil {
		options.GatewayInfo = c.gatewayInfo
	}

	shards := gateway.NewShardManager(token, options, c.options.Hooks, c.Router.Route)
	c.shards = shards
	c.mu.Unlock()

	logrus.Info("preparing to connect to the gateway")

	if err := shards.Connect(ctx); err != nil {
		c.Destroy()
		return err
	}

	// READY can still be waiting on guilds that were unavailable
	if err := shards.WaitReady(ctx); err != nil {
		c.Destroy()
		return err
	}

	return nil
}

func (c *Client) gatewayInfo(ctx context.Context) (*gateway.GatewayInfo, error) {
	info, err := c.Rest.GatewayBot(ctx)
	if err != nil {
		return nil, err
	}

	return &gateway.GatewayInfo{
		URL:            info.URL,
		Shards:         info.Shards,
		MaxConcurrency: info.SessionStartLimit.MaxConcurrency,
	}, nil
}

// Manager is nil until Login has been called.
func (c *Client) Manager() *gateway.ShardManager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shards
}

func (c *Client) Status() gateway.Status {
	shards := c.Manager()
	if shards == nil {
		return gateway.StatusIdle
	}

	return shards.Status()
}

func (c *Client) Shards() []gateway.ShardInfo {
	shards := c.Manager()
	if shards == nil {
		return nil
	}

	return shards.Shards()
}

func (c *Client) Ping() time.Duration {
	shards := c.Manager()
	if shards == nil {
		return 0
	}

	return shards.Ping()
}

func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Destroy closes every shard and stops the REST manager. A destroyed client
// cannot log in again.
func (c *Client) Destroy() {
	c.mu.Lock()
	shards := c.shards
	c.token = ""
	c.mu.Unlock()

	if shards != nil {
		shards.Destroy()
	}

	c.Rest.SetToken("")
	c.Rest.Close()
}

// ReadyAt is zero until every shard has become ready.
func (c *Client) ReadyAt() time.Time {
	shards := c.Manager()
	if shards == nil {
		return time.Time{}
	}

	return shards.ReadyAt()
}

func (c *Client) Uptime() time.Duration {
	readyAt := c.ReadyAt()
	if readyAt.IsZero() {
		return 0
	}

	return time.Since(readyAt)
}

func normaliseToken(token string) string {
	token = strings.TrimSpace(token)

	for _, prefix := range []string{"Bot ", "Bearer "} {
		if len(token) >= len(prefix) && strings.EqualFold(token[:len(prefix)], prefix) {
			return strings.TrimSpace(token[len(prefix):])
		}
	}

	return token
}

// maskToken keeps the encoded user id and timestamp, hiding the signature.
func maskToken(token string) string {
	parts := strings.Split(token, ".")
	for i := 2; i < len(parts); i++ {
		parts[i] = strings.Repeat("*", len(parts[i]))
	}

	return strings.Join(parts, ".")
}
