package storage

import (
	"context"
	"fmt"
)

const emergencyStopKey = "market:emergency_stop"

// MarketFlags holds operator switches consulted by the market safety check
type MarketFlags struct {
	redis *RedisCache
}

// NewMarketFlags creates the Redis-backed operator flags
func NewMarketFlags(cache *RedisCache) *MarketFlags {
	return &MarketFlags{redis: cache}
}

// EmergencyStopped reports whether trading is halted
func (f *MarketFlags) EmergencyStopped(ctx context.Context) (bool, error) {
	v, found, err := f.redis.Get(ctx, emergencyStopKey)
	if err != nil {
		return false, fmt.Errorf("failed to read emergency stop: %w", err)
	}
	return found && v == "1", nil
}

// SetEmergencyStop halts or resumes trading
func (f *MarketFlags) SetEmergencyStop(ctx context.Context, stopped bool) error {
	if !stopped {
		return f.redis.Del(ctx, emergencyStopKey)
	}
	if err := f.redis.Set(ctx, emergencyStopKey, "1", 0); err != nil {
		return fmt.Errorf("failed to set emergency stop: %w", err)
	}
	return nil
}
