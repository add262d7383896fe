package config

import "time"

type Config struct {
	Server    ServerConfig
	DB        DBConfig        `mapstructure:"db"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Transport TransportConfig `mapstructure:"transport"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Address string
	Auth    AuthConfig
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwtSecret"`
	TokenTTL  time.Duration `mapstructure:"tokenTTL"`
}

type DBConfig struct {
	Path string
}

type UploadConfig struct {
	Dir string
}

type TransportConfig struct {
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	Level string
}
