// Package config 统一配置管理
//
// 配置加载策略：
//  1. 从 .env 加载敏感信息（密码、密钥）和 APP_ENV
//  2. 根据 APP_ENV 加载对应的 configs/{env}.yaml 配置文件
//  3. 环境变量可覆盖 YAML 配置
//
// 使用方式：
//   - 开发环境: APP_ENV=dev (默认)
//   - 测试环境: APP_ENV=test
//   - 生产环境: APP_ENV=prod
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test" // 测试环境（集成测试 + E2E 共用）
	EnvDevelopment Environment = "dev"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Etcd         EtcdConfig         `yaml:"etcd"`
	MinIO        MinIOConfig        `yaml:"minio"`
	Mongo        MongoConfig        `yaml:"mongo"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	SLAMonitor   SLAMonitorConfig   `yaml:"sla_monitor"`
	Worker       WorkerConfig       `yaml:"worker"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type DatabaseConfig struct {
	// Driver postgres 或 sqlite
	Driver  string `yaml:"driver"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	Name    string `yaml:"name"`
	SSLMode string `yaml:"sslmode"`
	// Path SQLite 数据库文件路径（driver=sqlite 时生效）
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	DB   int    `yaml:"db"`
}

type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

// MinIOConfig 审计归档对象存储配置
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// MongoConfig 审计台账镜像配置
//
// URI 为空时不启用镜像。事务台账始终在 SQL 库中，
// MongoDB 只作为长期留存与分析查询的异步副本。
type MongoConfig struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	MirrorInterval time.Duration `yaml:"mirror_interval"`
}

func (c *MongoConfig) validate() {
	if c.Database == "" {
		c.Database = "caseflow"
	}
	if c.MirrorInterval <= 0 {
		c.MirrorInterval = 5 * time.Second
	}
}

// OrchestratorConfig 编排器配置
type OrchestratorConfig struct {
	ConsumerID string                     `yaml:"consumer_id"`
	Redis      OrchestratorRedisConfig    `yaml:"redis"`
	Fallback   OrchestratorFallbackConfig `yaml:"fallback"`
	Lease      OrchestratorLeaseConfig    `yaml:"lease"`
}

type OrchestratorRedisConfig struct {
	ReadTimeout time.Duration `yaml:"read_timeout"`
	ReadCount   int           `yaml:"read_count"`
}

type OrchestratorFallbackConfig struct {
	Interval       time.Duration `yaml:"interval"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
}

type OrchestratorLeaseConfig struct {
	// ReapInterval 租约回收扫描间隔
	ReapInterval time.Duration `yaml:"reap_interval"`
}

// SLAMonitorConfig SLA 监控器配置
type SLAMonitorConfig struct {
	// Interval 扫描间隔，必须不大于全部已发布定义最小 SLA 的十分之一
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	WebhookURL string        `yaml:"webhook_url"`
}

// WorkerConfig Worker 默认参数
type WorkerConfig struct {
	DefaultLease time.Duration `yaml:"default_lease"`
	MaxWait      time.Duration `yaml:"max_wait"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env           Environment
	DatabaseURL   string
	SQLitePath    string
	DBDriver      string
	RedisURL      string
	EtcdEndpoints []string
	EtcdPrefix    string
	APIPort       string
	JWTSecret     string
	MinIO         MinIOConfig
	Mongo         MongoConfig
	Orchestrator  OrchestratorConfig
	SLAMonitor    SLAMonitorConfig
	Worker        WorkerConfig
}

var configPaths = []string{
	"configs",
	"../configs",
	"../../configs",
	"../../../configs",
}

var envPaths = []string{
	".env",
	"../.env",
	"../../.env",
	"../../../.env",
}

// Load 加载配置
// 1. 加载 .env（敏感信息 + APP_ENV）
// 2. 根据 APP_ENV 加载 configs/{env}.yaml
// 3. 构建最终配置
func Load() *Config {
	// 加载 .env
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	// 解析环境
	env := parseEnv(getEnv("APP_ENV", "dev"))

	// 加载 YAML 配置
	yamlCfg := loadYAMLConfig(env)

	// 从环境变量获取敏感信息
	dbPassword := getEnv("DB_PASSWORD", "caseflow_dev_password")
	jwtSecret := getEnv("JWT_SECRET", "caseflow-dev-secret")
	yamlCfg.MinIO.AccessKey = getEnv("MINIO_ACCESS_KEY", yamlCfg.MinIO.AccessKey)
	yamlCfg.MinIO.SecretKey = getEnv("MINIO_SECRET_KEY", yamlCfg.MinIO.SecretKey)

	// 构建最终配置
	cfg := &Config{
		Env:           env,
		DatabaseURL:   buildDatabaseURL(yamlCfg.Database, dbPassword),
		SQLitePath:    yamlCfg.Database.Path,
		DBDriver:      yamlCfg.Database.Driver,
		RedisURL:      buildRedisURL(yamlCfg.Redis),
		EtcdEndpoints: yamlCfg.Etcd.Endpoints,
		EtcdPrefix:    yamlCfg.Etcd.Prefix,
		APIPort:       yamlCfg.Server.Port,
		JWTSecret:     jwtSecret,
		MinIO:         yamlCfg.MinIO,
		Mongo:         yamlCfg.Mongo,
		Orchestrator:  yamlCfg.Orchestrator,
		SLAMonitor:    yamlCfg.SLAMonitor,
		Worker:        yamlCfg.Worker,
	}

	// 验证并填充默认值
	cfg.Mongo.URI = getEnv("MONGO_URI", cfg.Mongo.URI)

	cfg.Mongo.validate()
	cfg.Orchestrator.validate()
	cfg.SLAMonitor.validate()
	cfg.Worker.validate()

	return cfg
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) *YAMLConfig {
	// 1. 初始化默认值
	cfg := &YAMLConfig{
		Server:   ServerConfig{Port: "8080"},
		Database: DatabaseConfig{Driver: "postgres", Host: "localhost", Port: 5432, User: "caseflow", Name: "caseflow", SSLMode: "disable"},
		Redis:    RedisConfig{Host: "localhost", Port: 6379, DB: 0},
		Etcd:     EtcdConfig{Endpoints: []string{"localhost:2379"}, Prefix: "/caseflow"},
		Orchestrator: OrchestratorConfig{
			ConsumerID: "orchestrator-default",
			Redis:      OrchestratorRedisConfig{ReadTimeout: 5 * time.Second, ReadCount: 10},
			Fallback:   OrchestratorFallbackConfig{Interval: time.Minute, StaleThreshold: time.Minute},
			Lease:      OrchestratorLeaseConfig{ReapInterval: 10 * time.Second},
		},
		SLAMonitor: SLAMonitorConfig{Interval: 5 * time.Second, BatchSize: 100},
		Worker:     WorkerConfig{DefaultLease: 30 * time.Second, MaxWait: 25 * time.Second},
	}

	// 2. 加载 common.yaml（公共配置）
	for _, base := range configPaths {
		path := filepath.Join(base, "common.yaml")
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	// 3. 加载 {env}.yaml（环境特定配置，覆盖公共配置）
	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range configPaths {
		path := filepath.Join(base, filename)
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	return cfg
}

// buildDatabaseURL 构建 PostgreSQL 连接字符串
func buildDatabaseURL(db DatabaseConfig, password string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.User, password, db.Host, db.Port, db.Name, db.SSLMode)
}

// buildRedisURL 构建 Redis 连接字符串
func buildRedisURL(redis RedisConfig) string {
	return fmt.Sprintf("redis://%s:%d/%d", redis.Host, redis.Port, redis.DB)
}

func parseEnv(env string) Environment {
	switch strings.ToLower(env) {
	case "test":
		return EnvTest
	case "prod", "production":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// IsTest 是否为测试环境
func (c *Config) IsTest() bool {
	return c.Env == EnvTest
}

// String 返回配置摘要（隐藏密码）
func (c *Config) String() string {
	return fmt.Sprintf("Config{Env: %s, DB: %s, Redis: %s}",
		c.Env, maskPassword(c.DatabaseURL), c.RedisURL)
}

// maskPassword 隐藏密码
func maskPassword(url string) string {
	re := regexp.MustCompile(`(://[^:]+:)([^@]+)(@)`)
	return re.ReplaceAllString(url, "${1}***${3}")
}

// validate 验证并填充编排器默认值
func (o *OrchestratorConfig) validate() {
	if o.ConsumerID == "" {
		o.ConsumerID = "orchestrator-default"
	}
	if o.Redis.ReadTimeout == 0 {
		o.Redis.ReadTimeout = 5 * time.Second
	}
	if o.Redis.ReadCount == 0 {
		o.Redis.ReadCount = 10
	}
	if o.Fallback.Interval == 0 {
		o.Fallback.Interval = time.Minute
	}
	if o.Fallback.StaleThreshold == 0 {
		o.Fallback.StaleThreshold = time.Minute
	}
	if o.Lease.ReapInterval == 0 {
		o.Lease.ReapInterval = 10 * time.Second
	}
}

// validate 验证并填充监控器默认值
func (s *SLAMonitorConfig) validate() {
	if s.Interval == 0 {
		s.Interval = 5 * time.Second
	}
	if s.BatchSize == 0 {
		s.BatchSize = 100
	}
}

// validate 验证并填充 Worker 默认值
func (w *WorkerConfig) validate() {
	if w.DefaultLease == 0 {
		w.DefaultLease = 30 * time.Second
	}
	if w.MaxWait == 0 {
		w.MaxWait = 25 * time.Second
	}
}
