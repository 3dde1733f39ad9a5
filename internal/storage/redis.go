package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"crawlsched/internal/tenant"
	logx "crawlsched/pkg/logx"
)

// redisStore keeps sites and cursors in Redis.
//
// Keys (under prefix):
//   - sites                set of site IDs
//   - site:<id>            hash {name, status}
//   - site:<id>:settings   hash of settings
//   - cursors              hash cursor key -> site ID
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	prefix := cfg.RedisPrefix
	if prefix == "" {
		prefix = "crawlsched:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return newRedisStore(client, prefix, log), nil
}

func newRedisStore(client *redis.Client, prefix string, log logx.Logger) *redisStore {
	return &redisStore{client: client, prefix: prefix, log: log}
}

func (s *redisStore) sitesKey() string { return s.prefix + "sites" }
func (s *redisStore) siteKey(id tenant.ID) string {
	return s.prefix + "site:" + strconv.FormatInt(id, 10)
}
func (s *redisStore) settingsKey(id tenant.ID) string { return s.siteKey(id) + ":settings" }
func (s *redisStore) cursorsKey() string              { return s.prefix + "cursors" }

func (s *redisStore) Close() error {
	return s.client.Close()
}

func (s *redisStore) QueryActive(ctx context.Context, flag string) ([]tenant.ID, error) {
	members, err := s.client.SMembers(ctx, s.sitesKey()).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	ids := make([]tenant.ID, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			s.log.Warn("skipping malformed site id", logx.String("member", m))
			continue
		}
		ids = append(ids, id)
	}

	pipe := s.client.Pipeline()
	statuses := make([]*redis.StringCmd, len(ids))
	flags := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		statuses[i] = pipe.HGet(ctx, s.siteKey(id), "status")
		flags[i] = pipe.HGet(ctx, s.settingsKey(id), flag)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var active []tenant.ID
	for i, id := range ids {
		status, _ := statuses[i].Result()
		val, _ := flags[i].Result()
		if status == tenant.StatusPublished && tenant.IsTruthy(val) {
			active = append(active, id)
		}
	}
	slices.Sort(active)
	return active, nil
}

func (s *redisStore) LoadSettings(ctx context.Context, id tenant.ID) (tenant.Settings, error) {
	if err := s.siteExists(ctx, id); err != nil {
		return nil, err
	}
	m, err := s.client.HGetAll(ctx, s.settingsKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return tenant.Settings(m), nil
}

func (s *redisStore) SaveSetting(ctx context.Context, id tenant.ID, key, value string) error {
	if err := s.siteExists(ctx, id); err != nil {
		return err
	}
	return s.client.HSet(ctx, s.settingsKey(id), key, value).Err()
}

func (s *redisStore) UpsertSite(ctx context.Context, site tenant.Site) error {
	if site.ID <= 0 {
		return errors.New("site id must be positive")
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.sitesKey(), strconv.FormatInt(site.ID, 10))
		pipe.HSet(ctx, s.siteKey(site.ID), "name", site.Name, "status", site.Status)
		pipe.Del(ctx, s.settingsKey(site.ID))
		if len(site.Settings) > 0 {
			pairs := make([]any, 0, 2*len(site.Settings))
			for k, v := range site.Settings {
				pairs = append(pairs, k, v)
			}
			pipe.HSet(ctx, s.settingsKey(site.ID), pairs...)
		}
		return nil
	})
	return err
}

func (s *redisStore) GetSite(ctx context.Context, id tenant.ID) (tenant.Site, error) {
	m, err := s.client.HGetAll(ctx, s.siteKey(id)).Result()
	if err != nil {
		return tenant.Site{}, err
	}
	if len(m) == 0 {
		return tenant.Site{}, fmt.Errorf("site %d: %w", id, ErrNotFound)
	}
	settings, err := s.client.HGetAll(ctx, s.settingsKey(id)).Result()
	if err != nil {
		return tenant.Site{}, err
	}
	return tenant.Site{ID: id, Name: m["name"], Status: m["status"], Settings: tenant.Settings(settings)}, nil
}

func (s *redisStore) GetCursor(ctx context.Context, key string) (tenant.ID, bool, error) {
	v, err := s.client.HGet(ctx, s.cursorsKey(), key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		// A corrupt cursor behaves like a missing one: rotation restarts at the first site.
		s.log.Warn("ignoring malformed cursor", logx.String("key", key), logx.String("value", v))
		return 0, false, nil
	}
	return id, true, nil
}

func (s *redisStore) SetCursor(ctx context.Context, key string, id tenant.ID) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("cursor key required")
	}
	return s.client.HSet(ctx, s.cursorsKey(), key, strconv.FormatInt(id, 10)).Err()
}

func (s *redisStore) siteExists(ctx context.Context, id tenant.ID) error {
	ok, err := s.client.SIsMember(ctx, s.sitesKey(), strconv.FormatInt(id, 10)).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("site %d: %w", id, ErrNotFound)
	}
	return nil
}
