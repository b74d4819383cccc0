package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/TicketsBot/common/sentry"
	"github.com/TicketsBot/gatewayclient/cache"
	"github.com/TicketsBot/gatewayclient/client"
	"github.com/TicketsBot/gatewayclient/config"
	"github.com/TicketsBot/gatewayclient/forwarding"
	"github.com/TicketsBot/gatewayclient/gateway"
	"github.com/TicketsBot/gatewayclient/metrics"
	"github.com/TicketsBot/gatewayclient/status"
	"github.com/go-redis/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rxdn/gdl/gateway/intents"
	"github.com/rxdn/gdl/objects/user"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		panic(err)
	}

	logrus.SetLevel(cfg.LogLevel)

	if err := sentry.Initialise(sentry.Options{
		Dsn:     cfg.SentryDsn,
		Project: "public_sharder",
	}); err != nil {
		fmt.Println(err.Error())
	}

	gatewayMetrics := metrics.NewGateway(prometheus.DefaultRegisterer)
	restMetrics := metrics.NewRest(prometheus.DefaultRegisterer)
	if err := errors.Join(gatewayMetrics.Register(), restMetrics.Register()); err != nil {
		panic(err)
	}

	options := client.DefaultOptions()
	options.Rest.Proxy = cfg.Rest.Proxy
	options.Rest.RetryLimit = cfg.Rest.RetryLimit
	options.Rest.RequestTimeout = cfg.Rest.Timeout
	options.Rest.GlobalRateLimit = cfg.Rest.GlobalRateLimit
	options.Rest.Metrics = restMetrics

	presence := user.BuildStatus(user.ActivityTypePlaying, "DM for help | t!help")

	options.Gateway.ShardCount = cfg.ShardCount
	options.Gateway.Presence = &presence
	options.Gateway.Intents = []intents.Intent{
		intents.Guilds,
		intents.GuildMembers,
		intents.GuildMessages,
		intents.GuildMessageReactions,
		intents.GuildWebhooks,
		intents.DirectMessages,
		intents.DirectMessageReactions,
	}
	options.Gateway.LargeShardingBuckets = cfg.LargeShardingBuckets
	options.Gateway.Metrics = gatewayMetrics
	options.Hooks = gateway.Hooks{
		OnFatal: func(err error) {
			sentry.Error(err)
		},
		OnShardError: func(shardId int, err error) {
			logrus.Warnf("shard %d: %s", shardId, err.Error())
		},
	}

	if cfg.Cache.Enabled() {
		pool, err := config.ConnectCache(context.Background(), cfg.Cache)
		if err != nil {
			panic(err)
		}
		defer pool.Close()

		if err := cache.EnsureSchema(context.Background(), pool); err != nil {
			panic(err)
		}

		options.CacheFactory = cache.PgFactory(pool)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient, err = config.BuildRedisClient(cfg.Redis)
		if err != nil {
			panic(err)
		}
		defer redisClient.Close()

		// identifies are shared by every process running this token
		options.Gateway.IdentifyLimiter = gateway.NewRedisIdentifyLimiter(redisClient, "ratelimiter:public", cfg.LargeShardingBuckets)
	}

	c, err := client.New(options)
	if err != nil {
		panic(err)
	}

	if redisClient != nil {
		forwarder := forwarding.NewRedisForwarder(redisClient, cfg.Token, false, c.State.SelfId)
		c.Router.OnAny(forwarder.Forward)
	}

	if cfg.StatusAddr != "" {
		go serveStatus(cfg.StatusAddr, c)
	}

	if err := c.Login(context.Background(), cfg.Token); err != nil {
		sentry.Error(err)
		panic(err)
	}

	sig := gateway.WaitForInterrupt(context.Background())
	logrus.Infof("received %s, shutting down", sig)

	c.Destroy()
}

func serveStatus(addr string, c *client.Client) {
	server := &http.Server{
		Addr:              addr,
		Handler:           status.NewRouter(c, prometheus.DefaultGatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logrus.Infof("serving status on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.Errorf("status server stopped: %s", err.Error())
	}
}
