package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/cache"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/config"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/utils"
	"github.com/sirupsen/logrus"
)

const settingsCachePrefix = "settings:"

// SettingRepository is the durable store behind the ConfigStore
type SettingRepository interface {
	GetByKey(ctx context.Context, key string) (*models.SettingValue, error)
	Upsert(ctx context.Context, key, value string, audit *models.SettingAudit) (*models.SettingValue, error)
}

// settingRange bounds a numeric setting
type settingRange struct {
	min, max     float64
	minExclusive bool
	integer      bool
}

var settingRanges = map[string]settingRange{
	models.SettingPaymentHoldTimeMinutes: {min: 1, max: 60, integer: true},
	models.SettingMinCancellationHours:   {min: 0, max: 720, integer: true},
	models.SettingRefundPercentage:       {min: 0, max: 100},
	models.SettingPriceMultiplier:        {min: 0, max: 10, minExclusive: true},
}

// ConfigStore serves business settings with a cache-aside read path.
// Writes go to the durable store first and then delete the cache entry;
// the cache TTL bounds staleness if the delete fails.
type ConfigStore struct {
	repo     SettingRepository
	cache    cache.Store
	ttl      time.Duration
	defaults config.BookingConfig
	logger   *logrus.Logger
}

// NewConfigStore creates a new ConfigStore
func NewConfigStore(repo SettingRepository, store cache.Store, defaults config.BookingConfig, logger *logrus.Logger) *ConfigStore {
	ttl := defaults.SettingsCacheTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ConfigStore{
		repo:     repo,
		cache:    store,
		ttl:      ttl,
		defaults: defaults,
		logger:   logger,
	}
}

// Get returns the current value of a setting. Returns models.ErrNotConfigured
// when the key has never been written.
func (s *ConfigStore) Get(ctx context.Context, key string) (*models.SettingValue, error) {
	cacheKey := settingsCachePrefix + key

	raw, err := s.cache.Get(ctx, cacheKey)
	switch {
	case err == nil:
		var cached models.SettingValue
		if jsonErr := json.Unmarshal([]byte(raw), &cached); jsonErr == nil {
			return &cached, nil
		}
		s.logger.WithField("key", key).Warn("Discarding malformed cached setting")
	case !errors.Is(err, cache.ErrMiss):
		s.logger.WithError(err).WithField("key", key).Warn("Settings cache read failed, falling back to database")
	}

	value, err := s.repo.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	if encoded, jsonErr := json.Marshal(value); jsonErr == nil {
		if setErr := s.cache.Set(ctx, cacheKey, string(encoded), s.ttl); setErr != nil {
			s.logger.WithError(setErr).WithField("key", key).Warn("Failed to populate settings cache")
		}
	}
	return value, nil
}

// Set validates and stores a new value, then invalidates the cache entry
func (s *ConfigStore) Set(ctx context.Context, key, value string, actor models.Actor) (*models.SettingValue, error) {
	if err := validateSetting(key, value); err != nil {
		return nil, err
	}

	audit := &models.SettingAudit{Actor: actor.UserID}
	if actor.IPAddress != "" {
		ip := actor.IPAddress
		audit.IPAddress = &ip
	}
	if actor.UserAgent != "" {
		audit.DeviceInfo = models.JSONB(utils.ParseUserAgent(actor.UserAgent).AsMap())
	}

	updated, err := s.repo.Upsert(ctx, key, value, audit)
	if err != nil {
		return nil, fmt.Errorf("failed to store setting %s: %w", key, err)
	}

	if err := s.cache.Delete(ctx, settingsCachePrefix+key); err != nil {
		s.logger.WithError(err).WithField("key", key).Error("Failed to invalidate settings cache, value stale until TTL")
	}

	s.logger.WithFields(logrus.Fields{
		"key":     key,
		"value":   value,
		"version": updated.Version,
		"actor":   actor.UserID,
	}).Info("Setting updated")

	return updated, nil
}

// GetInt returns an integer setting or def when absent or unreadable
func (s *ConfigStore) GetInt(ctx context.Context, key string, def int) int {
	v := s.GetFloat(ctx, key, float64(def))
	return int(math.Round(v))
}

// GetFloat returns a numeric setting or def when absent or unreadable
func (s *ConfigStore) GetFloat(ctx context.Context, key string, def float64) float64 {
	value, err := s.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, models.ErrNotConfigured) {
			s.logger.WithError(err).WithField("key", key).Warn("Failed to read setting, using default")
		}
		return def
	}
	f, err := strconv.ParseFloat(value.Value, 64)
	if err != nil {
		s.logger.WithField("key", key).WithField("value", value.Value).Warn("Non-numeric setting, using default")
		return def
	}
	return f
}

// HoldDuration is how long a seat lock lasts
func (s *ConfigStore) HoldDuration(ctx context.Context) time.Duration {
	return time.Duration(s.GetInt(ctx, models.SettingPaymentHoldTimeMinutes, s.defaults.DefaultHoldMinutes)) * time.Minute
}

// PriceMultiplier is applied to seat base prices at claim time
func (s *ConfigStore) PriceMultiplier(ctx context.Context) float64 {
	return s.GetFloat(ctx, models.SettingPriceMultiplier, s.defaults.DefaultPriceMultiplier)
}

// BookingRules returns every booking setting with defaults applied
func (s *ConfigStore) BookingRules(ctx context.Context) models.BookingRules {
	return models.BookingRules{
		PaymentHoldTimeMinutes: s.GetInt(ctx, models.SettingPaymentHoldTimeMinutes, s.defaults.DefaultHoldMinutes),
		MinCancellationHours:   s.GetInt(ctx, models.SettingMinCancellationHours, s.defaults.DefaultMinCancellationHrs),
		RefundPercentage:       s.GetFloat(ctx, models.SettingRefundPercentage, s.defaults.DefaultRefundPercentage),
		PriceMultiplier:        s.GetFloat(ctx, models.SettingPriceMultiplier, s.defaults.DefaultPriceMultiplier),
	}
}

// SetRules applies a partial update. Every present value is validated
// before any is written.
func (s *ConfigStore) SetRules(ctx context.Context, req models.UpdateBookingRulesRequest, actor models.Actor) (models.BookingRules, error) {
	updates := make([][2]string, 0, 4)
	if req.PaymentHoldTimeMinutes != nil {
		updates = append(updates, [2]string{models.SettingPaymentHoldTimeMinutes, strconv.Itoa(*req.PaymentHoldTimeMinutes)})
	}
	if req.MinCancellationHours != nil {
		updates = append(updates, [2]string{models.SettingMinCancellationHours, strconv.Itoa(*req.MinCancellationHours)})
	}
	if req.RefundPercentage != nil {
		updates = append(updates, [2]string{models.SettingRefundPercentage, strconv.FormatFloat(*req.RefundPercentage, 'f', -1, 64)})
	}
	if req.PriceMultiplier != nil {
		updates = append(updates, [2]string{models.SettingPriceMultiplier, strconv.FormatFloat(*req.PriceMultiplier, 'f', -1, 64)})
	}

	if len(updates) == 0 {
		return models.BookingRules{}, models.NewValidationError("", "no settings to update")
	}
	for _, u := range updates {
		if err := validateSetting(u[0], u[1]); err != nil {
			return models.BookingRules{}, err
		}
	}
	for _, u := range updates {
		if _, err := s.Set(ctx, u[0], u[1], actor); err != nil {
			return models.BookingRules{}, err
		}
	}
	return s.BookingRules(ctx), nil
}

func validateSetting(key, value string) error {
	r, ok := settingRanges[key]
	if !ok {
		return models.NewValidationError(key, "unknown setting")
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return models.NewValidationError(key, "must be a number")
	}
	if r.integer && f != math.Trunc(f) {
		return models.NewValidationError(key, "must be a whole number")
	}
	if f > r.max || f < r.min || (r.minExclusive && f == r.min) {
		bound := "["
		if r.minExclusive {
			bound = "("
		}
		return models.NewValidationError(key, fmt.Sprintf("must be in %s%g, %g]", bound, r.min, r.max))
	}
	return nil
}
