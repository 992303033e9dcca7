package callctl

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig пауза между циклами дозвона по списку номеров
type BackoffConfig struct {
	InitialDelay time.Duration // Начальная задержка
	MaxDelay     time.Duration // Максимальная задержка
	Multiplier   float64       // Множитель для экспоненциального отката
	JitterFactor float64       // Фактор случайности (0.0 - 1.0)
}

// DefaultBackoffConfig возвращает конфигурацию по умолчанию
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// FixedBackoff постоянная пауза без случайности
func FixedBackoff(d time.Duration) BackoffConfig {
	return BackoffConfig{InitialDelay: d, MaxDelay: d, Multiplier: 1}
}

// Delay вычисляет паузу перед повтором. retry - номер цикла, начиная с 0.
func (b BackoffConfig) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	// Экспоненциальная задержка
	delay := float64(b.InitialDelay) * math.Pow(mult, float64(retry))

	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}

	if b.JitterFactor > 0 {
		jitter := delay * b.JitterFactor * (rand.Float64()*2 - 1) // от -jitter до +jitter
		delay += jitter
		if delay < 0 {
			delay = 0
		}
	}

	return time.Duration(delay)
}

// Validate проверяет параметры
func (b BackoffConfig) Validate() error {
	if b.InitialDelay < 0 {
		return InvalidConfigError("backoff.initial_delay", b.InitialDelay, "отрицательная задержка")
	}
	if b.MaxDelay < 0 {
		return InvalidConfigError("backoff.max_delay", b.MaxDelay, "отрицательная задержка")
	}
	if b.JitterFactor < 0 || b.JitterFactor > 1 {
		return InvalidConfigError("backoff.jitter", b.JitterFactor, "допустимо 0.0 - 1.0")
	}
	return nil
}
