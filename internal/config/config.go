package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	RedisAddr  string `yaml:"redisAddr"`
	RedisDB    int    `yaml:"redisDB"`
	RedisPass  string `yaml:"redisPass"`
	MySQLDSN   string `yaml:"mysqlDSN"`
	MongoURI   string `yaml:"mongoURI"`
	JWTSecret  string `yaml:"jwtSecret"`

	// 消息存储选择：mysql 或 mongodb（标记/会话/用户目录始终走 MySQL 主库）
	MessageDB string `yaml:"messageDB"`

	// Kafka 配置（可选，留空关闭事件发布）
	KafkaBrokers           string `yaml:"kafkaBrokers"` // 逗号分隔
	KafkaMessageEventTopic string `yaml:"kafkaMessageEventTopic"`

	// 批量查询单片最大ID数
	BulkChunkSize int `yaml:"bulkChunkSize"`

	// 速率限制（消息接口）
	MessageQPS   int `yaml:"messageQPS"`
	MessageBurst int `yaml:"messageBurst"`

	// 指标开关
	EnableMetrics bool `yaml:"enableMetrics"`
}

func Load() *Config {
	// 1) 默认值
	cfg := &Config{
		ListenAddr: ":8080",
		RedisAddr:  "127.0.0.1:6379",
		RedisPass:  "",
		MySQLDSN:   "root:password@tcp(127.0.0.1:3306)/gocim?parseTime=true&loc=Local&charset=utf8mb4",
		MongoURI:   "mongodb://127.0.0.1:27017/gocim",
		JWTSecret:  "change-me-in-prod",

		MessageDB: "mysql",

		KafkaBrokers:           "",
		KafkaMessageEventTopic: "cim-message-events",

		BulkChunkSize: 128,

		MessageQPS:    20,
		MessageBurst:  40,
		EnableMetrics: true,
	}

	// 2) YAML 覆盖（如果有）
	configPath := getEnv("CIM_CONFIG_FILE", getEnv("CONFIG_FILE", "config.yml"))
	if st, err := os.Stat(configPath); err == nil && !st.IsDir() {
		if data, err2 := os.ReadFile(configPath); err2 == nil {
			_ = yaml.Unmarshal(data, cfg)
		}
	}

	// 3) 环境变量覆盖 YAML
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	setStr := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setInt := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(env string, dst *bool) {
		if v := os.Getenv(env); v != "" {
			*dst = (v == "true" || v == "1" || v == "yes")
		}
	}

	setStr("CIM_LISTEN_ADDR", &cfg.ListenAddr)
	setStr("CIM_REDIS_ADDR", &cfg.RedisAddr)
	setStr("CIM_REDIS_PASS", &cfg.RedisPass)
	setInt("CIM_REDIS_DB", &cfg.RedisDB)
	setStr("CIM_MYSQL_DSN", &cfg.MySQLDSN)
	setStr("CIM_MONGO_URI", &cfg.MongoURI)
	setStr("CIM_JWT_SECRET", &cfg.JWTSecret)

	setStr("CIM_MESSAGE_DB", &cfg.MessageDB)

	setStr("CIM_KAFKA_BROKERS", &cfg.KafkaBrokers)
	setStr("CIM_KAFKA_MESSAGE_EVENT_TOPIC", &cfg.KafkaMessageEventTopic)

	setInt("CIM_BULK_CHUNK_SIZE", &cfg.BulkChunkSize)

	setInt("CIM_MESSAGE_QPS", &cfg.MessageQPS)
	setInt("CIM_MESSAGE_BURST", &cfg.MessageBurst)
	setBool("CIM_ENABLE_METRICS", &cfg.EnableMetrics)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
