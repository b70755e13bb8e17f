package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/agrifutures/futures-engine/internal/model"
)

// RedisClient is the subset of go-redis commands the cache uses.
// *redis.Client satisfies it.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only the crop list and the phone → farmer id mapping are cached. Farmers
// themselves are not, since the record carries the ledger secret.
type CachedStore struct {
	Store
	rdb RedisClient
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb RedisClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateFarmerWithWallet(ctx context.Context, f *model.Farmer, w *model.Wallet) error {
	if err := s.Store.CreateFarmerWithWallet(ctx, f, w); err != nil {
		return err
	}
	s.rdb.Set(ctx, phoneKey(f.PhoneNumber), f.ID, s.ttl)
	return nil
}

func (s *CachedStore) UpdateCropPrice(ctx context.Context, name string, price decimal.Decimal, at time.Time) error {
	if err := s.Store.UpdateCropPrice(ctx, name, price, at); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, cropsKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetFarmerByPhone(ctx context.Context, phone string) (*model.Farmer, error) {
	farmerID, err := s.rdb.Get(ctx, phoneKey(phone)).Result()
	if err == nil && farmerID != "" {
		f, err := s.Store.GetFarmer(ctx, farmerID)
		if err == nil {
			return f, nil
		}
		s.rdb.Del(ctx, phoneKey(phone))
	}

	// Cache miss.
	f, err := s.Store.GetFarmerByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	s.rdb.Set(ctx, phoneKey(phone), f.ID, s.ttl)
	return f, nil
}

func (s *CachedStore) ListCrops(ctx context.Context) ([]model.Crop, error) {
	data, err := s.rdb.Get(ctx, cropsKey).Bytes()
	if err == nil {
		var crops []model.Crop
		if json.Unmarshal(data, &crops) == nil {
			return crops, nil
		}
	}

	crops, err := s.Store.ListCrops(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(crops); err == nil {
		s.rdb.Set(ctx, cropsKey, data, s.ttl)
	}
	return crops, nil
}

// --- Cache helpers ---

const cropsKey = "crops"

func phoneKey(phone string) string { return fmt.Sprintf("farmer:phone:%s", phone) }
