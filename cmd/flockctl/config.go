package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/flockctl/internal/lifecycle"
)

// runtimeConfig collects bus and lifecycle settings shared by both roles.
type runtimeConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Namespace     string

	AdminListenAddr string
	ClientCommand   string
	Owner           string

	Manager lifecycle.ManagerConfig
}

func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{
		RedisAddr: "127.0.0.1:6379",
		Namespace: "flock",
		Manager:   lifecycle.DefaultManagerConfig(),
	}
}

// flockctl config.toml key mapping to runtime settings.
type fileConfig struct {
	RedisAddr       string `toml:"redis_addr"`
	RedisPassword   string `toml:"redis_password"`
	RedisDB         int    `toml:"redis_db"`
	Namespace       string `toml:"namespace"`
	AdminListenAddr string `toml:"admin_listen_addr"`
	ClientCommand   string `toml:"client_command"`
	Owner           string `toml:"owner"`
	HandshakeLease  string `toml:"handshake_lease"`
	DeletionLease   string `toml:"deletion_lease"`
	StateFilter     string `toml:"state_filter"`
}

// flockctl loader for TOML config with default overlay.
func loadRuntimeConfig(path string) (runtimeConfig, error) {
	cfg := defaultRuntimeConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runtimeConfig{}, fmt.Errorf("load flockctl config: %w", err)
	}

	if meta.IsDefined("redis_addr") {
		cfg.RedisAddr = strings.TrimSpace(raw.RedisAddr)
	}
	if meta.IsDefined("redis_password") {
		cfg.RedisPassword = raw.RedisPassword
	}
	if meta.IsDefined("redis_db") {
		cfg.RedisDB = raw.RedisDB
	}
	if meta.IsDefined("namespace") {
		cfg.Namespace = strings.TrimSpace(raw.Namespace)
	}
	if meta.IsDefined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if meta.IsDefined("client_command") {
		cfg.ClientCommand = strings.TrimSpace(raw.ClientCommand)
	}
	if meta.IsDefined("owner") {
		cfg.Owner = strings.TrimSpace(raw.Owner)
		cfg.Manager.Owner = cfg.Owner
	}
	if meta.IsDefined("handshake_lease") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HandshakeLease))
		if err != nil || d <= 0 {
			return runtimeConfig{}, fmt.Errorf("load flockctl config: invalid handshake_lease %q", raw.HandshakeLease)
		}
		cfg.Manager.HandshakeLease = d
	}
	if meta.IsDefined("deletion_lease") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.DeletionLease))
		if err != nil || d <= 0 {
			return runtimeConfig{}, fmt.Errorf("load flockctl config: invalid deletion_lease %q", raw.DeletionLease)
		}
		cfg.Manager.DeletionLease = d
	}
	if meta.IsDefined("state_filter") {
		cfg.Manager.StateFilter = strings.TrimSpace(raw.StateFilter)
	}

	if cfg.Namespace == "" {
		return runtimeConfig{}, fmt.Errorf("load flockctl config: namespace must not be empty")
	}
	if strings.ContainsAny(cfg.Namespace, "/ ") {
		return runtimeConfig{}, fmt.Errorf("load flockctl config: namespace %q must be a single topic segment", cfg.Namespace)
	}
	return cfg, nil
}
