package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"time"

	"iot_auth/internal/model"
	"iot_auth/internal/service/redis"
)

// RedisStore keeps pending challenges and device status in Redis.
type RedisStore struct {
	redisService *redis.RedisService
}

func NewRedisStore(svc *redis.RedisService) *RedisStore {
	return &RedisStore{redisService: svc}
}

func challengeKey(connID string) string {
	return fmt.Sprintf("auth:challenge:%s", connID)
}

// statusKey hashes the device id so raw identifiers never appear in key names.
func statusKey(deviceID string) string {
	sum := sha256.Sum256([]byte(deviceID))
	return fmt.Sprintf("device:%s:status", hex.EncodeToString(sum[:]))
}

func (s *RedisStore) PutChallenge(ctx context.Context, connID string, p *PendingChallenge, ttl time.Duration) error {
	return s.redisService.HSetWithTTL(ctx, challengeKey(connID), ttl, encodeChallenge(p))
}

func (s *RedisStore) TakeChallenge(ctx context.Context, connID string) (*PendingChallenge, error) {
	vals, err := s.redisService.HTake(ctx, challengeKey(connID))
	if err != nil {
		return nil, err
	}
	return decodeChallenge(vals)
}

func (s *RedisStore) DropChallenge(ctx context.Context, connID string) error {
	return s.redisService.Del(ctx, challengeKey(connID))
}

func encodeChallenge(p *PendingChallenge) map[string]any {
	return map[string]any{
		"deviceId":   p.DeviceID,
		"nonce":      p.Nonce,
		"privateKey": hex.EncodeToString(p.PrivateKey),
	}
}

func decodeChallenge(vals map[string]string) (*PendingChallenge, error) {
	if len(vals) == 0 {
		return nil, ErrChallengeNotFound
	}

	sk, err := hex.DecodeString(vals["privateKey"])
	if err != nil {
		return nil, fmt.Errorf("decode stored private key: %w", err)
	}
	return &PendingChallenge{
		DeviceID:   vals["deviceId"],
		Nonce:      vals["nonce"],
		PrivateKey: sk,
	}, nil
}

func (s *RedisStore) SetOnline(ctx context.Context, deviceID, connID string, at time.Time) error {
	return s.redisService.HSet(ctx, statusKey(deviceID), map[string]any{
		"deviceId": deviceID,
		"online":   "true",
		"lastSeen": at.UnixMilli(),
		"connId":   connID,
	})
}

func (s *RedisStore) Touch(ctx context.Context, deviceID string, at time.Time) error {
	return s.redisService.HSet(ctx, statusKey(deviceID), map[string]any{
		"lastSeen": at.UnixMilli(),
	})
}

func (s *RedisStore) SetOffline(ctx context.Context, deviceID string, at time.Time) error {
	return s.redisService.HSet(ctx, statusKey(deviceID), map[string]any{
		"online":   "false",
		"lastSeen": at.UnixMilli(),
		"connId":   "",
	})
}

func (s *RedisStore) List(ctx context.Context) ([]model.DeviceStatus, error) {
	keys, err := s.redisService.Keys(ctx, "device:*:status")
	if err != nil {
		return nil, err
	}

	var res []model.DeviceStatus
	for _, key := range keys {
		vals, err := s.redisService.HGetAll(ctx, key)
		if err != nil {
			return nil, err
		}
		if len(vals) == 0 {
			continue
		}
		res = append(res, parseStatus(vals))
	}

	sort.Slice(res, func(i, j int) bool { return res[i].DeviceID < res[j].DeviceID })
	return res, nil
}

func parseStatus(vals map[string]string) model.DeviceStatus {
	st := model.DeviceStatus{
		DeviceID: vals["deviceId"],
		Online:   vals["online"] == "true",
		ConnID:   vals["connId"],
	}
	if ms, err := strconv.ParseInt(vals["lastSeen"], 10, 64); err == nil {
		st.LastSeen = time.UnixMilli(ms).UTC()
	}
	return st
}
