package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pfennig/pfennig/internal/models"
	"github.com/pfennig/pfennig/pkg/logger"
)

// ErrRateUnavailable is returned when no rate was ever fetched for a currency.
var ErrRateUnavailable = errors.New("exchange rate unavailable")

var (
	satoshiPerBitcoin = decimal.New(1, 8)
	// cents carry 2 decimals, rates 4
	centsToRateUnits = decimal.New(1, 2)
)

type entry struct {
	rate       *models.ExchangeRate
	refreshing bool
}

// Cache keeps one exchange rate per supported currency and refreshes stale
// rates on a single background worker. Readers never wait for a fetch: a
// stale rate is served while its refresh is queued.
type Cache struct {
	logger          *logger.Logger
	fetcher         RateFetcher
	ttl             time.Duration
	fetchTimeout    time.Duration
	defaultCurrency string

	mu       sync.Mutex
	entries  map[string]*entry
	requests chan string

	now func() time.Time

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCache(
	logger *logger.Logger,
	fetcher RateFetcher,
	currencies []string,
	defaultCurrency string,
	ttl time.Duration,
) *Cache {
	defaultCurrency = strings.ToUpper(strings.TrimSpace(defaultCurrency))
	entries := make(map[string]*entry, len(currencies)+1)
	for _, currency := range currencies {
		code := strings.ToUpper(strings.TrimSpace(currency))
		if code != "" {
			entries[code] = &entry{}
		}
	}
	entries[defaultCurrency] = &entry{}

	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		logger:          logger,
		fetcher:         fetcher,
		ttl:             ttl,
		fetchTimeout:    DefaultFetchTimeout,
		defaultCurrency: defaultCurrency,
		entries:         entries,
		// one slot per currency: at most one queued refresh each
		requests: make(chan string, len(entries)),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Currencies lists the supported currency codes.
func (c *Cache) Currencies() []string {
	codes := make([]string, 0, len(c.entries))
	for code := range c.entries {
		codes = append(codes, code)
	}
	return codes
}

// resolve maps unsupported codes to the default currency.
func (c *Cache) resolve(currency string) string {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if _, ok := c.entries[code]; ok {
		return code
	}
	return c.defaultCurrency
}

// Prime fetches every currency synchronously. Failed currencies stay
// unavailable until a later access refreshes them.
func (c *Cache) Prime(ctx context.Context) error {
	var errs []error
	for code := range c.entries {
		if err := c.refresh(ctx, code); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Rate returns the cached rate, queueing a refresh when it is stale.
func (c *Cache) Rate(currency string) (*models.ExchangeRate, error) {
	code := c.resolve(currency)

	c.mu.Lock()
	e := c.entries[code]
	stale := e.rate == nil || c.now().Sub(e.rate.FetchedAt) >= c.ttl
	if stale && !e.refreshing {
		select {
		case c.requests <- code:
			e.refreshing = true
		default:
			c.logger.Warn("Exchange rate refresh queue full", "currency", code)
		}
	}
	var rate *models.ExchangeRate
	if e.rate != nil {
		copied := *e.rate
		rate = &copied
	}
	c.mu.Unlock()

	if rate == nil {
		return nil, fmt.Errorf("%w: %s", ErrRateUnavailable, code)
	}
	return rate, nil
}

// FiatToSatoshi converts cents to satoshi, truncating.
func (c *Cache) FiatToSatoshi(currency string, cents int64) (int64, error) {
	rate, err := c.Rate(currency)
	if err != nil {
		return 0, err
	}
	return FiatToSatoshi(rate.Rate, cents), nil
}

// SatoshiToFiat converts satoshi to fiat with 4 decimals, truncating.
func (c *Cache) SatoshiToFiat(currency string, satoshi int64) (decimal.Decimal, error) {
	rate, err := c.Rate(currency)
	if err != nil {
		return decimal.Zero, err
	}
	return SatoshiToFiat(rate.Rate, satoshi), nil
}

// FiatToSatoshi converts an amount in cents at rate fiat-per-bitcoin.
func FiatToSatoshi(rate decimal.Decimal, cents int64) int64 {
	rate = rate.Truncate(4)
	if !rate.IsPositive() {
		return 0
	}
	satoshi, _ := decimal.NewFromInt(cents).Mul(satoshiPerBitcoin).QuoRem(rate.Mul(centsToRateUnits), 0)
	return satoshi.IntPart()
}

// SatoshiToFiat converts satoshi at rate fiat-per-bitcoin.
func SatoshiToFiat(rate decimal.Decimal, satoshi int64) decimal.Decimal {
	return decimal.NewFromInt(satoshi).Mul(rate.Truncate(4)).Div(satoshiPerBitcoin).Truncate(4)
}

func (c *Cache) refresh(ctx context.Context, code string) error {
	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	value, err := c.fetcher.FetchRate(fetchCtx, code)

	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[code]
	e.refreshing = false
	if err != nil {
		return fmt.Errorf("failed to refresh %s rate: %w", code, err)
	}
	e.rate = &models.ExchangeRate{Currency: code, Rate: value, FetchedAt: c.now()}
	return nil
}

// Start runs the refresh worker until Stop is called.
func (c *Cache) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case code := <-c.requests:
				c.logger.Info("Updating exchange rate", "currency", code)
				if err := c.refresh(c.ctx, code); err != nil {
					// the stale value stays; the next access queues another attempt
					c.logger.Error("Failed to update exchange rate", "currency", code, "error", err)
				}
			case <-c.ctx.Done():
				c.logger.Info("Exchange rate worker stopped")
				return
			}
		}
	}()
}

// Stop gracefully stops the refresh worker
func (c *Cache) Stop() {
	c.logger.Info("Stopping exchange rate cache")
	c.cancel()
	c.wg.Wait()
}
