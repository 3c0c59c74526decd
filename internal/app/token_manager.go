package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nbblackbox/gradepipe/internal/models"
)

const (
	timeFormat  = "2006-01-02 15:04:05"
	authKeyTpl  = "auth:%s" // auth:${email}
	tokenPrefix = "sk-nbbb-"
)

type TokenManager struct {
	redis *redis.Client
}

func NewTokenManager(redis *redis.Client) *TokenManager {
	return &TokenManager{redis: redis}
}

func generateToken() (string, error) {
	randomBytes := make([]byte, 12)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return tokenPrefix + hex.EncodeToString(randomBytes), nil
}

// FetchOrCreateToken returns the intake token for an email, minting one
// on first use. The staff flag is only written at creation time so a
// remint cannot silently escalate an account.
func (tm *TokenManager) FetchOrCreateToken(ctx context.Context, email string, staff bool) (*models.TokenInfo, bool, error) {
	key := fmt.Sprintf(authKeyTpl, email)

	token, err := tm.redis.HGet(ctx, key, "token").Result()
	if err != nil && err != redis.Nil {
		return nil, false, fmt.Errorf("failed to check token: %w", err)
	}

	now := time.Now().UTC()
	isNewToken := false

	if err == redis.Nil {
		token, err = generateToken()
		if err != nil {
			return nil, false, fmt.Errorf("failed to generate token: %w", err)
		}

		pipe := tm.redis.Pipeline()
		pipe.HSet(ctx, key, map[string]interface{}{
			"token":                 token,
			"staff":                 strconv.FormatBool(staff),
			"request_count":         0,
			"created_dttm_utc":      now.Format(timeFormat),
			"last_request_dttm_utc": now.Format(timeFormat),
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, false, fmt.Errorf("failed to store token: %w", err)
		}
		isNewToken = true
	}

	info, err := tm.fetchTokenInfo(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return info, isNewToken, nil
}

// RecordRequest bumps the per-token usage stats. Best effort: auth does
// not depend on it.
func (tm *TokenManager) RecordRequest(ctx context.Context, email string) error {
	key := fmt.Sprintf(authKeyTpl, email)

	pipe := tm.redis.Pipeline()
	pipe.HIncrBy(ctx, key, "request_count", 1)
	pipe.HSet(ctx, key, "last_request_dttm_utc", time.Now().UTC().Format(timeFormat))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record request: %w", err)
	}
	return nil
}

func (tm *TokenManager) RevokeToken(ctx context.Context, email string) error {
	key := fmt.Sprintf(authKeyTpl, email)
	if err := tm.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

func (tm *TokenManager) fetchTokenInfo(ctx context.Context, key string) (*models.TokenInfo, error) {
	fields, err := tm.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch token info: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("token not found")
	}

	count, _ := strconv.Atoi(fields["request_count"])
	created, _ := time.Parse(timeFormat, fields["created_dttm_utc"])
	lastRequest, _ := time.Parse(timeFormat, fields["last_request_dttm_utc"])

	return &models.TokenInfo{
		Token:           fields["token"],
		RequestCount:    count,
		LastRequestTime: lastRequest,
		CreatedTime:     created,
	}, nil
}
