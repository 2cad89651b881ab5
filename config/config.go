package config

import (
	"errors"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const crawlerUserAgent = "Mozilla/5.0 (Linux; Android 6.0.1; Nexus 5X Build/MMB29P) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/W.X.Y.Z Mobile Safari/537.36 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"

type Config struct {
	Env            string          `mapstructure:"env"`
	LogLevel       string          `mapstructure:"log_level"`
	LogType        string          `mapstructure:"log_type"`
	ServiceName    string          `mapstructure:"service_name"`
	Port           string          `mapstructure:"port"`
	Version        string          `mapstructure:"version"`
	BrowserSetting *BrowserConfig  `mapstructure:"browser"`
	SuiteSettings  *SuiteConfig    `mapstructure:"suite"`
	RobotsSettings *RobotsConfig   `mapstructure:"robots"`
	CacheSettings  *CacheConfig    `mapstructure:"cache"`
	DbSettings     *DatabaseConfig `mapstructure:"database"`
	KafkaSettings  *KafkaConfig    `mapstructure:"kafka"`
	S3Settings     *S3Config       `mapstructure:"s3"`
}

type BrowserConfig struct {
	ExecPath          string        `mapstructure:"exec_path"`
	Headless          bool          `mapstructure:"headless"`
	NoSandbox         bool          `mapstructure:"no_sandbox"`
	UserAgent         string        `mapstructure:"user_agent"`
	WindowWidth       int           `mapstructure:"window_width"`
	WindowHeight      int           `mapstructure:"window_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	DiscoveryTimeout  time.Duration `mapstructure:"discovery_timeout"`
	ScreenshotDelay   time.Duration `mapstructure:"screenshot_delay"`
}

type SuiteConfig struct {
	OutputDir           string        `mapstructure:"output_dir"`
	BatchSize           int           `mapstructure:"batch_size"`
	TestTimeout         time.Duration `mapstructure:"test_timeout"`
	DiscoveryMode       string        `mapstructure:"discovery_mode"` // base | query
	DiscoverAll         bool          `mapstructure:"discover_all"`
	PageURL             string        `mapstructure:"page_url"`
	PredefinedBlockList []string      `mapstructure:"predefined_block_list"`
	BlockKeywords       []string      `mapstructure:"block_keywords"`
}

type RobotsConfig struct {
	UserAgent    string        `mapstructure:"user_agent"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	RateLimit    float64       `mapstructure:"rate_limit"` // robots.txt fetches per second
	UseMemcached bool          `mapstructure:"use_memcached"`
}

type CacheConfig struct {
	Servers      string        `mapstructure:"servers"`
	TtlForRobots time.Duration `mapstructure:"ttl_for_robots"`
}

type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
}

type KafkaConfig struct {
	Producer *ProducerConfig `mapstructure:"producer"`
}

type ProducerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Addr           string        `mapstructure:"addr"`
	WriteTopicName string        `mapstructure:"write_topic_name"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequiredAsks   int           `mapstructure:"required_acks"`
	Async          bool          `mapstructure:"async"`
}

type S3Config struct {
	Enabled         bool   `mapstructure:"enabled"`
	AwsAccessKey    string `mapstructure:"aws_access_key"`
	AwsSecretKey    string `mapstructure:"aws_secret_key"`
	AwsBaseEndpoint string `mapstructure:"aws_base_endpoint"`
	Region          string `mapstructure:"region"`
	BucketName      string `mapstructure:"bucket_name"`
	KeyPrefix       string `mapstructure:"key_prefix"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "local")
	v.SetDefault("log_level", "debug")
	v.SetDefault("log_type", "text")
	v.SetDefault("service_name", "resource-blocking-test")
	v.SetDefault("port", "5001")
	v.SetDefault("version", "1.0.0")

	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.user_agent", crawlerUserAgent)
	v.SetDefault("browser.window_width", 1280)
	v.SetDefault("browser.window_height", 800)
	v.SetDefault("browser.navigation_timeout", 60*time.Second)
	v.SetDefault("browser.discovery_timeout", 90*time.Second)
	v.SetDefault("browser.screenshot_delay", time.Duration(0))

	v.SetDefault("suite.output_dir", "screenshots")
	v.SetDefault("suite.batch_size", 5)
	v.SetDefault("suite.test_timeout", 120*time.Second)
	v.SetDefault("suite.discovery_mode", "query")
	v.SetDefault("suite.discover_all", false)
	v.SetDefault("suite.page_url", "")
	v.SetDefault("suite.predefined_block_list", []string{
		"cdns.eu1.gigya.com/js/gigya.js",
		"js-agent.newrelic.com/nr-spa",
		"sdk.privacy-center.org/",
		"securepubads.g.doubleclick.net/pagead/managed/js/gpt/",
		"googletagservices.com/tag/js/gpt.js",
	})
	v.SetDefault("suite.block_keywords", []string{"video", "api", "/v1/"})

	v.SetDefault("robots.user_agent", "Googlebot")
	v.SetDefault("robots.fetch_timeout", 10*time.Second)
	v.SetDefault("robots.rate_limit", 5.0)
	v.SetDefault("robots.use_memcached", false)

	v.SetDefault("cache.servers", "localhost:11211")
	v.SetDefault("cache.ttl_for_robots", 24*time.Hour)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.conn_max_lifetime", 3*time.Minute)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 10)

	v.SetDefault("kafka.producer.enabled", false)
	v.SetDefault("kafka.producer.max_attempts", 3)
	v.SetDefault("kafka.producer.batch_size", 10)
	v.SetDefault("kafka.producer.batch_timeout", 2*time.Second)
	v.SetDefault("kafka.producer.read_timeout", 10*time.Second)
	v.SetDefault("kafka.producer.write_timeout", 10*time.Second)
	v.SetDefault("kafka.producer.required_acks", 1)

	v.SetDefault("s3.enabled", false)
	v.SetDefault("s3.key_prefix", "resource-blocking-test")
}

// Load reads the configuration from configFile (or ./config.yaml when empty) and the environment.
// A missing file is not an error: defaults and environment variables are used instead.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	setDefaults(v)
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath(path.Join("."))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		slog.Warn("config file not found. Using defaults.")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func MustLoad(configFile string) *Config {
	cfg, err := Load(viper.GetViper(), configFile)
	if err != nil {
		slog.Error("can't initialize config.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	return cfg
}
