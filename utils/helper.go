package utils

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/academy_backend/config"
	"github.com/shopspring/decimal"
	"github.com/ttacon/libphonenumber"
)

// CountryCode is the default region used when a phone number has no international prefix.
var CountryCode = "BY"

// PhoneSuffixLength is the number of trailing national digits compared when matching phones.
const PhoneSuffixLength = 9

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

func IsValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// NormalizeEmail lowercases and trims an email; invalid addresses normalize to "".
func NormalizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !IsValidEmail(email) {
		return ""
	}
	return email
}

// NormalizePhoneSuffix returns the last PhoneSuffixLength digits of the
// national number, or "" when the input carries too few digits.
// libphonenumber strips trunk prefixes ("80 29 ..." vs "+375 29 ...") so both
// spellings of the same number share a suffix.
func NormalizePhoneSuffix(raw string) string {
	digits := onlyDigits(raw)
	if len(digits) < PhoneSuffixLength {
		return ""
	}
	if p, err := libphonenumber.Parse(raw, CountryCode); err == nil {
		national := strconv.FormatUint(p.GetNationalNumber(), 10)
		if len(national) >= PhoneSuffixLength {
			digits = national
		}
	}
	return digits[len(digits)-PhoneSuffixLength:]
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func ProcessValidationErrors(err error) map[string]string {
	errorResponse := make(map[string]string)

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		errorResponse["request"] = err.Error()
		return errorResponse
	}
	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}

	return errorResponse
}

func DereferencePtr[T any](ptr *T, defaults ...T) T {
	if ptr != nil {
		return *ptr
	}
	var zero T
	if len(defaults) > 0 {
		return defaults[0]
	}
	return zero
}

// ParseDecimal converts a string to a decimal.Decimal value.
func ParseDecimal(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, errors.New("empty decimal string")
	}

	dec, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, err
	}

	return dec, nil
}

// ParseDateParam accepts "2006-01-02" or RFC3339 and returns a UTC time.
func ParseDateParam(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty date")
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD or RFC3339", value)
	}
	return t.UTC(), nil
}

// EndOfDayExclusive turns an inclusive calendar date into an exclusive upper bound.
func EndOfDayExclusive(day time.Time) time.Time {
	y, m, d := day.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// ObtainJobLock takes a best-effort Redis lock for a scheduled job.
// obtained=false with a nil error means another instance holds the lock.
// When Redis is not connected the caller proceeds unlocked.
func ObtainJobLock(ctx context.Context, jobName string, ttl time.Duration) (release func(), obtained bool, err error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	noop := func() {}
	if locker == nil {
		config.LogError(logger, "helper.go", "ObtainJobLock", "Redis lock not initialized", jobName, errors.New("redis lock is nil"))
		return noop, true, nil
	}
	lock, err := locker.Obtain(ctx, "job:"+jobName, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return noop, false, nil
	} else if err != nil {
		config.LogError(logger, "helper.go", "ObtainJobLock", "Error obtaining job lock", jobName, err)
		return noop, false, err
	}
	return func() {
		_ = lock.Release(context.Background())
	}, true, nil
}
