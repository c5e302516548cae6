package services

import (
	"math"

	"github.com/captionhub/backend/internal/config"
)

// CreditCalculator prices a captioning job. Billing rounds up to whole
// minutes; each translation language adds TranslationRate per minute.
type CreditCalculator struct {
	BaseRate        int64
	TranslationRate int64
}

func NewCreditCalculator(cfg *config.CreditsConfig) *CreditCalculator {
	return &CreditCalculator{BaseRate: cfg.BaseRate, TranslationRate: cfg.TranslationRate}
}

// DurationMinutes returns ceil(durationSeconds / 60).
func (c *CreditCalculator) DurationMinutes(durationSeconds float64) (int64, error) {
	if math.IsNaN(durationSeconds) || math.IsInf(durationSeconds, 0) || durationSeconds < 0 {
		return 0, invalidInput("duration must be a non-negative number of seconds, got %v", durationSeconds)
	}
	minutes := math.Ceil(durationSeconds / 60)
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if minutes >= math.MaxInt64 {
		return 0, invalidInput("duration of %v seconds is too large", durationSeconds)
	}
	return int64(minutes), nil
}

func (c *CreditCalculator) RequiredCredits(durationSeconds float64, translationLanguageCount int) (int64, error) {
	if translationLanguageCount < 0 {
		return 0, invalidInput("translation language count must not be negative, got %d", translationLanguageCount)
	}
	minutes, err := c.DurationMinutes(durationSeconds)
	if err != nil {
		return 0, err
	}

	languages := int64(translationLanguageCount)
	if c.TranslationRate > 0 && languages > (math.MaxInt64-c.BaseRate)/c.TranslationRate {
		return 0, invalidInput("translation language count %d is too large", translationLanguageCount)
	}
	perMinute := c.BaseRate + c.TranslationRate*languages
	if perMinute > 0 && minutes > math.MaxInt64/perMinute {
		return 0, invalidInput("job of %d minutes with %d languages exceeds the credit range", minutes, translationLanguageCount)
	}
	return minutes * perMinute, nil
}
