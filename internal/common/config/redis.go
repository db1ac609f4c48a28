package config

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig describes the shared store every firefly process connects to. Setting MasterName selects a
// sentinel-backed failover client, more than one address a cluster client.
type RedisConfig struct {
	Addrs      []string `validate:"required,min=1"`
	DB         int      `validate:"gte=0,lte=16"`
	Password   string
	MasterName string

	PoolSize     int `validate:"gte=0"`
	MinIdleConns int `validate:"gte=0"`
	MaxRetries   int
	DialTimeout  time.Duration
	// Applies to reads and writes. Blocking stream reads extend it by their own block duration.
	IOTimeout       time.Duration
	ConnMaxIdleTime time.Duration
}

func (rc RedisConfig) AsUniversalOptions() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:           rc.Addrs,
		DB:              rc.DB,
		Password:        rc.Password,
		MasterName:      rc.MasterName,
		PoolSize:        rc.PoolSize,
		MinIdleConns:    rc.MinIdleConns,
		MaxRetries:      rc.MaxRetries,
		DialTimeout:     rc.DialTimeout,
		ReadTimeout:     rc.IOTimeout,
		WriteTimeout:    rc.IOTimeout,
		ConnMaxIdleTime: rc.ConnMaxIdleTime,
	}
}
