package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

type MediaConfig struct {
	Codecs                  []string `mapstructure:"codecs"`
	TransportUDP            bool     `mapstructure:"transport_udp"`
	TransportTCP            bool     `mapstructure:"transport_tcp"`
	MaxBitrate              int      `mapstructure:"max_bitrate"`
	DirectRTCUseMediaServer bool     `mapstructure:"direct_rtc_use_media_server"`
}

type TLSConfig struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

type Config struct {
	Mode       string      `mapstructure:"mode"`
	Port       int         `mapstructure:"port"`
	StaticPath string      `mapstructure:"static_path"`
	Secret     string      `mapstructure:"secret"`
	TLS        TLSConfig   `mapstructure:"tls"`
	ICEServers []string    `mapstructure:"ice_servers"`
	Media      MediaConfig `mapstructure:"media"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("media.codecs", []string{"opus", "VP8"})
	v.SetDefault("media.transport_udp", true)
	v.SetDefault("media.transport_tcp", false)
	v.SetDefault("media.max_bitrate", 900000)
	v.SetDefault("media.direct_rtc_use_media_server", false)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Static: %s\n", cfg.Mode, cfg.Port, cfg.StaticPath)
	return &cfg, nil
}
