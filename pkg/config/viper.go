// Package config initializes the engine's configuration through Viper,
// layering defaults, an optional config file, and INSIGHT_-prefixed
// environment variables into one view.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// InitConfig wires Viper's search paths, defaults, and environment
// binding. Call once at startup, before any Settings() read. cfgFile, when
// non-empty, pins the config file instead of searching.
func InitConfig(cfgFile string, logger *zap.Logger) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/insightpioneer/")
		viper.AddConfigPath("$HOME/.insightpioneer")
	}

	setDefaults()

	viper.SetEnvPrefix("INSIGHT") // e.g. INSIGHT_DATABASE_DSN
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			logger.Warn("config file not found; using defaults and environment")
		} else {
			logger.Error("read config file", zap.Error(err))
		}
	} else {
		logger.Info("using config file", zap.String("path", viper.ConfigFileUsed()))
	}
}

func setDefaults() {
	viper.SetDefault("logging.development", false)

	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_conns", 8)

	viper.SetDefault("crawler.user_agent",
		"InsightPioneerBot/1.0 (+https://github.com/EthanZane/insightpioneer-backend)")
	viper.SetDefault("crawler.politeness_delay", "1s")
	viper.SetDefault("crawler.request_timeout", "15s")
	viper.SetDefault("crawler.retries", 3)
	viper.SetDefault("crawler.concurrency", 4)
	viper.SetDefault("crawler.pool_size", 2)
	viper.SetDefault("crawler.budget", "10m")
	viper.SetDefault("crawler.max_body_bytes", 5*1024*1024)
	viper.SetDefault("crawler.max_in_flight", 8)
	viper.SetDefault("crawler.drop_params", []string{
		"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
	})

	viper.SetDefault("notify.feishu.webhook_url", "")
	viper.SetDefault("notify.feishu.secret", "")
	viper.SetDefault("notify.pubsub.project_id", "")
	viper.SetDefault("notify.pubsub.topic_id", "")

	viper.SetDefault("server.metrics_addr", ":9090")
}

// Settings is the typed snapshot commands consume.
type Settings struct {
	Development bool

	DatabaseDSN      string
	DatabaseMaxConns int32

	UserAgent       string
	PolitenessDelay time.Duration
	RequestTimeout  time.Duration
	Retries         int
	Concurrency     int
	PoolSize        int
	Budget          time.Duration
	MaxBodyBytes    int
	MaxInFlight     int64
	DropParams      []string

	FeishuWebhookURL string
	FeishuSecret     string
	PubSubProjectID  string
	PubSubTopicID    string

	MetricsAddr string
}

// Load reads the current Viper state into a Settings snapshot.
func Load() Settings {
	return Settings{
		Development: viper.GetBool("logging.development"),

		DatabaseDSN:      viper.GetString("database.dsn"),
		DatabaseMaxConns: viper.GetInt32("database.max_conns"),

		UserAgent:       viper.GetString("crawler.user_agent"),
		PolitenessDelay: viper.GetDuration("crawler.politeness_delay"),
		RequestTimeout:  viper.GetDuration("crawler.request_timeout"),
		Retries:         viper.GetInt("crawler.retries"),
		Concurrency:     viper.GetInt("crawler.concurrency"),
		PoolSize:        viper.GetInt("crawler.pool_size"),
		Budget:          viper.GetDuration("crawler.budget"),
		MaxBodyBytes:    viper.GetInt("crawler.max_body_bytes"),
		MaxInFlight:     viper.GetInt64("crawler.max_in_flight"),
		DropParams:      viper.GetStringSlice("crawler.drop_params"),

		FeishuWebhookURL: viper.GetString("notify.feishu.webhook_url"),
		FeishuSecret:     viper.GetString("notify.feishu.secret"),
		PubSubProjectID:  viper.GetString("notify.pubsub.project_id"),
		PubSubTopicID:    viper.GetString("notify.pubsub.topic_id"),

		MetricsAddr: viper.GetString("server.metrics_addr"),
	}
}
