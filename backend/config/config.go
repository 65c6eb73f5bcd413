package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
		// 额外允许的 websocket / CORS 来源（本地开发来源总是允许）
		AllowedOrigins []string `mapstructure:"allowedorigins"`
	} `mapstructure:"running"`
	Storage struct {
		Root string `mapstructure:"root"`
	} `mapstructure:"storage"`
	Lease struct {
		WriterTTL     time.Duration `mapstructure:"writerttl"`
		LockTTL       time.Duration `mapstructure:"lockttl"`
		SweepInterval time.Duration `mapstructure:"sweepinterval"`
	} `mapstructure:"lease"`
	Import struct {
		// 同时进行的导入数
		Slots int `mapstructure:"slots"`
	} `mapstructure:"import"`
	// 以下后端留空即关闭对应功能
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Log struct {
		Level  string `mapstructure:"level"`
		Pretty bool   `mapstructure:"pretty"`
	} `mapstructure:"log"`
}

const (
	configName = "folioConfig"
	envPrefix  = "FOLIO"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8080)
	v.SetDefault("running.allowedorigins", []string{})
	v.SetDefault("storage.root", "./data")
	v.SetDefault("lease.writerttl", 45*time.Second)
	v.SetDefault("lease.lockttl", 30*time.Second)
	v.SetDefault("lease.sweepinterval", 10*time.Second)
	v.SetDefault("import.slots", 4)
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "folio.events")
	v.SetDefault("auth.secret", "dev-secret")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Load 读取 folioConfig.yaml；兼容从项目根目录或 backend 目录启动。
// 找不到配置文件时使用默认值，环境变量 FOLIO_<SECTION>_<KEY> 覆盖两者。
func Load(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		paths = []string{"./backend/config", "./config", "."}
	}
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
