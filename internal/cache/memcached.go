package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/IliaW/resource-blocking-test/config"
	"github.com/bradfitz/gomemcache/memcache"
	"github.com/patrickmn/go-cache"
)

// RobotsStore keeps raw robots.txt bodies per host. An empty body is a valid entry (allow all).
type RobotsStore interface {
	GetRobots(host string) ([]byte, bool)
	SaveRobots(host string, body []byte)
	Close()
}

// LocalStore never evicts: entries live as long as the process.
type LocalStore struct {
	c *cache.Cache
}

func NewLocalStore() *LocalStore {
	return &LocalStore{c: cache.New(cache.NoExpiration, 0)}
}

func (ls *LocalStore) GetRobots(host string) ([]byte, bool) {
	v, ok := ls.c.Get(host)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (ls *LocalStore) SaveRobots(host string, body []byte) {
	ls.c.Set(host, body, cache.NoExpiration)
}

func (ls *LocalStore) Close() {}

type MemcachedClient struct {
	client *memcache.Client
	cfg    *config.CacheConfig
	log    *slog.Logger
}

func NewMemcachedClient(cacheConfig *config.CacheConfig, log *slog.Logger) *MemcachedClient {
	log.Info("connecting to memcached...")
	ss := new(memcache.ServerList)
	servers := strings.Split(cacheConfig.Servers, ",")
	err := ss.SetServers(servers...)
	if err != nil {
		log.Error("failed to set memcached servers.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	c := &MemcachedClient{
		client: memcache.NewFromSelector(ss),
		cfg:    cacheConfig,
		log:    log,
	}
	c.log.Info("pinging the memcached.")
	err = c.client.Ping()
	if err != nil {
		log.Error("connection to the memcached is failed.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	c.log.Info("connected to memcached!")

	return c
}

func (mc *MemcachedClient) GetRobots(host string) ([]byte, bool) {
	key := robotsKey(host)
	item, err := mc.client.Get(key)
	if err != nil {
		if !errors.Is(err, memcache.ErrCacheMiss) {
			mc.log.Warn("failed to read robots.txt from cache.", slog.String("key", key),
				slog.String("err", err.Error()))
		}
		return nil, false
	}
	mc.log.Debug("robots.txt found in cache.", slog.String("host", host))

	return item.Value, true
}

func (mc *MemcachedClient) SaveRobots(host string, body []byte) {
	key := robotsKey(host)
	if err := mc.set(key, body, mc.cfg.TtlForRobots); err != nil {
		mc.log.Error("failed to save robots.txt to cache.", slog.String("key", key),
			slog.String("err", err.Error()))
		return
	}
	mc.log.Debug("robots.txt saved to cache.", slog.String("host", host))
}

func (mc *MemcachedClient) Close() {
	mc.log.Info("closing memcached connection.")
	err := mc.client.Close()
	if err != nil {
		mc.log.Error("failed to close memcached connection.", slog.String("err", err.Error()))
	}
}

func (mc *MemcachedClient) set(key string, value []byte, ttl time.Duration) error {
	item := &memcache.Item{
		Key:        key,
		Value:      value,
		Expiration: int32(ttl.Seconds()),
	}

	return mc.client.Set(item)
}

// memcached keys are limited to 250 bytes without spaces, so hosts are hashed.
func robotsKey(host string) string {
	hash := sha256.New()
	hash.Write([]byte(host))
	return fmt.Sprintf("%s-robots", hex.EncodeToString(hash.Sum(nil)))
}
