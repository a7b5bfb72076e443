package treasury

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pfennig/pfennig/internal/config"
	"github.com/pfennig/pfennig/internal/exchange"
	"github.com/pfennig/pfennig/internal/models"
	"github.com/pfennig/pfennig/internal/repository"
	"github.com/pfennig/pfennig/pkg/logger"
	"github.com/pfennig/pfennig/pkg/validation"
)

type fakeChain struct {
	mu       sync.Mutex
	events   chan models.ChainEvent
	height   atomic.Int64
	next     int
	watched  []string
	tracked  map[string]int64
	watchErr error

	// mined answers TransactionHeight
	mined      map[string]int64
	caughtUp   int
	catchUpErr error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		events:  make(chan models.ChainEvent, 16),
		tracked: make(map[string]int64),
		mined:   make(map[string]int64),
	}
}

func (f *fakeChain) Events() <-chan models.ChainEvent { return f.events }

func (f *fakeChain) ChainHeight() int64 { return f.height.Load() }

func (f *fakeChain) FreshReceiveAddress(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	address := fmt.Sprintf("addr-%d", f.next)
	f.watched = append(f.watched, address)
	return address, nil
}

func (f *fakeChain) WatchAddresses(_ context.Context, addressHashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watchErr != nil {
		return f.watchErr
	}
	f.watched = append(f.watched, addressHashes...)
	return nil
}

func (f *fakeChain) TrackConfirmation(transactionHash string, appearedAt int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked[transactionHash] = appearedAt
}

func (f *fakeChain) CatchUp(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.caughtUp++
	return f.catchUpErr
}

func (f *fakeChain) TransactionHeight(_ context.Context, transactionHash string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	height, ok := f.mined[transactionHash]
	return height, ok, nil
}

func (f *fakeChain) trackedAt(transactionHash string) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	height, ok := f.tracked[transactionHash]
	return height, ok
}

func (f *fakeChain) watchedAddresses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.watched...)
}

type recordingNotifier struct {
	mu            sync.Mutex
	notifications []*models.Notification
}

func (r *recordingNotifier) SendNotification(_ context.Context, notification *models.Notification) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, notification)
	return true
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notifications)
}

func (r *recordingNotifier) last() *models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notifications) == 0 {
		return nil
	}
	return r.notifications[len(r.notifications)-1]
}

type fakeRates struct {
	rate  decimal.Decimal
	err   error
	calls atomic.Int32
}

func (f *fakeRates) Rate(currency string) (*models.ExchangeRate, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	code := strings.ToUpper(currency)
	if code != "EUR" && code != "USD" {
		code = "EUR"
	}
	return &models.ExchangeRate{Currency: code, Rate: f.rate, FetchedAt: time.Now()}, nil
}

func (f *fakeRates) FiatToSatoshi(currency string, cents int64) (int64, error) {
	rate, err := f.Rate(currency)
	if err != nil {
		return 0, err
	}
	return exchange.FiatToSatoshi(rate.Rate, cents), nil
}

func (f *fakeRates) SatoshiToFiat(currency string, satoshi int64) (decimal.Decimal, error) {
	rate, err := f.Rate(currency)
	if err != nil {
		return decimal.Zero, err
	}
	return exchange.SatoshiToFiat(rate.Rate, satoshi), nil
}

type testEnv struct {
	treasury *Treasury
	repo     *repository.LedgerDB
	chain    *fakeChain
	notifier *recordingNotifier
	rates    *fakeRates
}

func setupTreasury(t *testing.T) *testEnv {
	t.Helper()
	repo, err := repository.NewSQLiteDB(":memory:", logger.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	env := &testEnv{
		repo:     repo,
		chain:    newFakeChain(),
		notifier: &recordingNotifier{},
		rates:    &fakeRates{rate: decimal.NewFromInt(50000)},
	}
	cfg := &config.Config{ConfirmationThreshold: 2, EventWorkers: 2, BitcoinNetwork: "regtest"}
	env.treasury = NewTreasury(repo, env.chain, env.notifier, env.rates, logger.NewNopLogger(), cfg)
	env.treasury.retryBackoff = 10 * time.Millisecond
	return env
}

func (e *testEnv) createInvoice(t *testing.T, price int64, currency string) *models.Invoice {
	t.Helper()
	invoice := &models.Invoice{
		Price:           price,
		Currency:        currency,
		OrderID:         "order-" + currency,
		NotificationURL: "http://merchant.test/hook",
	}
	require.NoError(t, e.treasury.CreateInvoice(context.Background(), invoice))
	return invoice
}

func decodeInvoice(t *testing.T, notification *models.Notification) models.InvoiceSnapshot {
	t.Helper()
	var snapshot models.InvoiceSnapshot
	require.NoError(t, json.Unmarshal(notification.Body, &snapshot))
	return snapshot
}

func watchableAddress(t *testing.T, fill byte) string {
	t.Helper()
	addr, err := btcutil.NewAddressPubKeyHash(bytes.Repeat([]byte{fill}, 20), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func height(h int64) *int64 {
	return &h
}

func TestInvoicePaymentLifecycle(t *testing.T) {
	env := setupTreasury(t)
	ctx := context.Background()

	invoice := env.createInvoice(t, 1000, "eur")
	assert.Equal(t, int64(20000), invoice.SatoshiValue)
	assert.Equal(t, "EUR", invoice.Currency)
	assert.Equal(t, "addr-1", invoice.AddressHash)
	assert.NotEmpty(t, invoice.Identifier)

	payment, err := env.treasury.Ingest(ctx, invoice.AddressHash, "tx-1", 20000, nil)
	require.NoError(t, err)
	require.NotNil(t, payment.PaidAt)
	require.Equal(t, 1, env.notifier.count())

	paid := env.notifier.last()
	assert.Equal(t, "invoice", paid.Subject)
	assert.Equal(t, models.EventPaid, paid.Event)
	assert.Equal(t, invoice.NotificationURL, paid.URL)
	snapshot := decodeInvoice(t, paid)
	assert.Equal(t, models.StatusPaid, snapshot.Status)
	assert.True(t, snapshot.Paid)
	assert.Equal(t, int64(0), snapshot.SatoshiMissing)
	assert.Equal(t, int64(0), *snapshot.Confirmations)

	again, err := env.treasury.Ingest(ctx, invoice.AddressHash, "tx-1", 20000, nil)
	require.NoError(t, err)
	assert.Equal(t, payment.ID, again.ID)
	assert.Equal(t, 1, env.notifier.count(), "redelivery must not notify")

	env.chain.height.Store(101)
	require.NoError(t, env.treasury.Confirm(ctx, "tx-1", 101, height(100)))
	require.Equal(t, 2, env.notifier.count())

	confirmed := env.notifier.last()
	assert.Equal(t, models.EventConfirmed, confirmed.Event)
	snapshot = decodeInvoice(t, confirmed)
	assert.Equal(t, int64(2), *snapshot.Confirmations)
	assert.Equal(t, int64(100), *snapshot.AppearedAt)
	assert.NotNil(t, snapshot.ConfirmedAt)
	assert.Equal(t, map[string]int64{"tx-1": 2}, snapshot.Transactions)

	require.NoError(t, env.treasury.Confirm(ctx, "tx-1", 102, height(100)))
	assert.Equal(t, 2, env.notifier.count(), "confirmation fires once")
}

func TestIngestConcurrentRedelivery(t *testing.T) {
	env := setupTreasury(t)
	invoice := env.createInvoice(t, 1000, "EUR")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.treasury.Ingest(context.Background(), invoice.AddressHash, "tx-dup", 20000, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, env.notifier.count())
	payments, err := env.repo.FindPaymentsByAddressHash(invoice.AddressHash)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestPartialAndOverPayment(t *testing.T) {
	env := setupTreasury(t)
	ctx := context.Background()
	invoice := env.createInvoice(t, 1000, "EUR")

	_, err := env.treasury.Ingest(ctx, invoice.AddressHash, "tx-a", 5000, nil)
	require.NoError(t, err)
	snapshot := decodeInvoice(t, env.notifier.last())
	assert.Equal(t, models.StatusPaidPartial, snapshot.Status)
	assert.Equal(t, int64(15000), snapshot.SatoshiMissing)
	assert.False(t, snapshot.Paid)

	_, err = env.treasury.Ingest(ctx, invoice.AddressHash, "tx-b", 20000, nil)
	require.NoError(t, err)
	snapshot = decodeInvoice(t, env.notifier.last())
	assert.Equal(t, models.StatusPaidOver, snapshot.Status)
	assert.Equal(t, int64(-5000), snapshot.SatoshiMissing)
	assert.Equal(t, "tx-b", *snapshot.LastTransactionHash)
	assert.True(t, snapshot.Paid)
}

func TestConfirmUnknownTransaction(t *testing.T) {
	env := setupTreasury(t)

	require.NoError(t, env.treasury.Confirm(context.Background(), "tx-ghost", 10, height(9)))
	assert.Equal(t, 0, env.notifier.count())
}

func TestConfirmDerivesAppearedAt(t *testing.T) {
	env := setupTreasury(t)
	ctx := context.Background()
	invoice := env.createInvoice(t, 1000, "EUR")

	_, err := env.treasury.Ingest(ctx, invoice.AddressHash, "tx-1", 20000, nil)
	require.NoError(t, err)

	env.chain.height.Store(50)
	require.NoError(t, env.treasury.Confirm(ctx, "tx-1", 50, nil))

	payment, err := env.repo.FindPaymentByTransactionHash("tx-1")
	require.NoError(t, err)
	require.NotNil(t, payment.AppearedAtChainHeight)
	assert.Equal(t, int64(49), *payment.AppearedAtChainHeight)
	assert.Equal(t, int64(2), *decodeInvoice(t, env.notifier.last()).Confirmations)
}

func TestIngestRecordsInclusionHeightOnRedelivery(t *testing.T) {
	env := setupTreasury(t)
	ctx := context.Background()
	invoice := env.createInvoice(t, 1000, "EUR")

	_, err := env.treasury.Ingest(ctx, invoice.AddressHash, "tx-1", 20000, nil)
	require.NoError(t, err)
	payment, err := env.treasury.Ingest(ctx, invoice.AddressHash, "tx-1", 20000, height(77))
	require.NoError(t, err)

	assert.Equal(t, int64(77), *payment.AppearedAtChainHeight)
	assert.Equal(t, 1, env.notifier.count())

	stored, err := env.repo.FindPaymentByTransactionHash("tx-1")
	require.NoError(t, err)
	assert.Equal(t, int64(77), *stored.AppearedAtChainHeight)
}

func TestIngestUntrackedAddress(t *testing.T) {
	env := setupTreasury(t)

	payment, err := env.treasury.Ingest(context.Background(), "nobody", "tx-1", 100, nil)
	require.NoError(t, err)
	assert.NotNil(t, payment)
	assert.Equal(t, 0, env.notifier.count())
}

func TestHandleEventRejectsInvalidPayment(t *testing.T) {
	env := setupTreasury(t)
	invoice := env.createInvoice(t, 1000, "EUR")

	err := env.treasury.HandleEvent(context.Background(), models.ChainEvent{
		Kind:            models.EventCoinsReceived,
		TransactionHash: "tx-bad",
		AddressHash:     invoice.AddressHash,
		ReceivedSatoshi: -1,
	})
	assert.NoError(t, err, "validation failures are consumed")
	assert.Equal(t, 0, env.notifier.count())

	payment, err := env.repo.FindPaymentByTransactionHash("tx-bad")
	require.NoError(t, err)
	assert.Nil(t, payment)
}

func TestWatchingAddressAggregatesDeposits(t *testing.T) {
	env := setupTreasury(t)
	ctx := context.Background()

	address := &models.WatchingAddress{
		AddressHash:     " " + watchableAddress(t, 9) + " ",
		NotificationURL: "http://merchant.test/address",
		Label:           "donations",
	}
	require.NoError(t, env.treasury.CreateWatchingAddress(ctx, address))
	assert.Equal(t, watchableAddress(t, 9), address.AddressHash)
	assert.Contains(t, env.chain.watchedAddresses(), address.AddressHash)

	_, err := env.treasury.Ingest(ctx, address.AddressHash, "tx-1", 1000, height(5))
	require.NoError(t, err)
	_, err = env.treasury.Ingest(ctx, address.AddressHash, "tx-2", 2500, nil)
	require.NoError(t, err)
	require.Equal(t, 2, env.notifier.count())

	notification := env.notifier.last()
	assert.Equal(t, "address", notification.Subject)
	assert.Equal(t, address.Identifier, notification.Identifier)

	var snapshot models.WatchingAddressSnapshot
	require.NoError(t, json.Unmarshal(notification.Body, &snapshot))
	assert.Equal(t, int64(3500), snapshot.ReceivedSatoshi)
	assert.Equal(t, models.StatusPaid, snapshot.Status)
	assert.Equal(t, "tx-2", *snapshot.LastTransactionHash)
	assert.Len(t, snapshot.Transactions, 2)
}

func TestCreateWatchingAddressRejections(t *testing.T) {
	env := setupTreasury(t)
	ctx := context.Background()

	err := env.treasury.CreateWatchingAddress(ctx, &models.WatchingAddress{AddressHash: "junk", NotificationURL: "http://x"})
	assert.ErrorIs(t, err, validation.ErrInvalidAddress)

	mainnet, err := btcutil.NewAddressPubKeyHash(bytes.Repeat([]byte{1}, 20), &chaincfg.MainNetParams)
	require.NoError(t, err)
	err = env.treasury.CreateWatchingAddress(ctx, &models.WatchingAddress{AddressHash: mainnet.EncodeAddress(), NotificationURL: "http://x"})
	assert.ErrorIs(t, err, validation.ErrInvalidAddress)

	address := watchableAddress(t, 3)
	require.NoError(t, env.treasury.CreateWatchingAddress(ctx, &models.WatchingAddress{AddressHash: address, NotificationURL: "http://x"}))
	err = env.treasury.CreateWatchingAddress(ctx, &models.WatchingAddress{AddressHash: address, NotificationURL: "http://y"})
	assert.ErrorIs(t, err, ErrAddressInUse)

	var validationErr *models.ValidationError
	err = env.treasury.CreateWatchingAddress(ctx, &models.WatchingAddress{AddressHash: watchableAddress(t, 4)})
	assert.ErrorAs(t, err, &validationErr)
}

func TestCreateInvoiceInBitcoin(t *testing.T) {
	env := setupTreasury(t)

	invoice := env.createInvoice(t, 150000, "btc")
	assert.Equal(t, int64(150000), invoice.SatoshiValue)
	assert.Equal(t, int32(0), env.rates.calls.Load())

	snapshot, err := env.treasury.InvoiceSnapshot(invoice)
	require.NoError(t, err)
	assert.Equal(t, "0.0015", snapshot.PriceInBtc)
	assert.Equal(t, models.StatusPending, snapshot.Status)
	assert.Nil(t, snapshot.Confirmations)
}

func TestCreateInvoiceRejections(t *testing.T) {
	env := setupTreasury(t)
	ctx := context.Background()

	var validationErr *models.ValidationError
	err := env.treasury.CreateInvoice(ctx, &models.Invoice{Price: 0, Currency: "EUR"})
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "price", validationErr.Field)

	env.rates.err = exchange.ErrRateUnavailable
	err = env.treasury.CreateInvoice(ctx, &models.Invoice{Price: 100, Currency: "EUR"})
	assert.ErrorIs(t, err, exchange.ErrRateUnavailable)
	assert.Empty(t, env.chain.watchedAddresses(), "no address is spent on a failed invoice")
}

func TestInvoiceLookups(t *testing.T) {
	env := setupTreasury(t)
	invoice := env.createInvoice(t, 1000, "EUR")

	found, err := env.treasury.GetInvoice(invoice.Identifier)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, invoice.AddressHash, found.AddressHash)

	found, err = env.treasury.GetInvoiceByOrderID("order-EUR")
	require.NoError(t, err)
	require.NotNil(t, found)

	missing, err := env.treasury.GetInvoice("missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPrice(t *testing.T) {
	env := setupTreasury(t)

	price, err := env.treasury.Price("usd", 100000000)
	require.NoError(t, err)
	assert.Equal(t, "USD", price.Currency)
	assert.Equal(t, "50000", price.Value.String())

	price, err = env.treasury.Price("GBP", 20000)
	require.NoError(t, err)
	assert.Equal(t, "EUR", price.Currency, "unsupported currency falls back")
	assert.Equal(t, "10", price.Value.String())

	price, err = env.treasury.Price("", 20000)
	require.NoError(t, err)
	assert.Equal(t, "EUR", price.Currency, "missing currency uses the default")

	_, err = env.treasury.Price("EUR", -1)
	assert.Error(t, err)
}

func TestStartRestoresAndProcessesEvents(t *testing.T) {
	env := setupTreasury(t)
	invoice := env.createInvoice(t, 1000, "EUR")
	for _, payment := range []*models.Payment{
		{AddressHash: invoice.AddressHash, TransactionHash: "tx-old", ReceivedSatoshi: 1, AppearedAtChainHeight: height(40)},
		{AddressHash: invoice.AddressHash, TransactionHash: "tx-mined-offline", ReceivedSatoshi: 1},
		{AddressHash: invoice.AddressHash, TransactionHash: "tx-mempool", ReceivedSatoshi: 1},
	} {
		_, _, err := env.repo.CreatePayment(payment)
		require.NoError(t, err)
	}
	env.chain.mined["tx-mined-offline"] = 45

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- env.treasury.Start(ctx) }()

	assert.Eventually(t, func() bool {
		env.chain.mu.Lock()
		defer env.chain.mu.Unlock()
		return env.chain.caughtUp == 1
	}, time.Second, 5*time.Millisecond)

	appeared, ok := env.chain.trackedAt("tx-old")
	assert.True(t, ok)
	assert.Equal(t, int64(40), appeared)

	appeared, ok = env.chain.trackedAt("tx-mined-offline")
	assert.True(t, ok, "payments mined while offline are re-armed")
	assert.Equal(t, int64(45), appeared)
	stored, err := env.repo.FindPaymentByTransactionHash("tx-mined-offline")
	require.NoError(t, err)
	require.NotNil(t, stored.AppearedAtChainHeight)
	assert.Equal(t, int64(45), *stored.AppearedAtChainHeight)

	_, ok = env.chain.trackedAt("tx-mempool")
	assert.False(t, ok, "transactions still in the mempool wait for their block")
	assert.Contains(t, env.chain.watchedAddresses(), invoice.AddressHash)

	env.chain.events <- models.ChainEvent{
		Kind: models.EventCoinsReceived, TransactionHash: "tx-new", AddressHash: invoice.AddressHash, ReceivedSatoshi: 19997,
	}
	env.chain.events <- models.ChainEvent{
		Kind: models.EventConfirmationReached, TransactionHash: "tx-old", ChainHeight: 41, AppearedAtChainHeight: height(40),
	}

	assert.Eventually(t, func() bool { return env.notifier.count() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("treasury did not stop")
	}
}

func TestStartFailsWhenCatchUpFails(t *testing.T) {
	env := setupTreasury(t)
	env.chain.catchUpErr = errors.New("block 812 unavailable")

	err := env.treasury.Start(context.Background())
	assert.ErrorContains(t, err, "block 812 unavailable")
}

func TestStartFailsWhenRestoreFails(t *testing.T) {
	env := setupTreasury(t)
	env.chain.watchErr = errors.New("node unreachable")

	err := env.treasury.Start(context.Background())
	assert.ErrorContains(t, err, "node unreachable")
}

type flakyRepository struct {
	models.Repository
	failures atomic.Int32
}

func (f *flakyRepository) CreatePayment(payment *models.Payment) (*models.Payment, bool, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, false, errors.New("connection refused")
	}
	return f.Repository.CreatePayment(payment)
}

func TestPersistenceFailureIsRetried(t *testing.T) {
	env := setupTreasury(t)
	invoice := env.createInvoice(t, 1000, "EUR")

	flaky := &flakyRepository{Repository: env.repo}
	flaky.failures.Store(2)
	env.treasury.repo = flaky

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = env.treasury.Start(ctx) }()

	env.chain.events <- models.ChainEvent{
		Kind: models.EventCoinsReceived, TransactionHash: "tx-1", AddressHash: invoice.AddressHash, ReceivedSatoshi: 20000,
	}

	assert.Eventually(t, func() bool { return env.notifier.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	payments, err := env.repo.FindPaymentsByAddressHash(invoice.AddressHash)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestShard(t *testing.T) {
	for _, workers := range []int{1, 3, 8} {
		for i := 0; i < 50; i++ {
			hash := fmt.Sprintf("tx-%d", i)
			index := shard(hash, workers)
			assert.GreaterOrEqual(t, index, 0)
			assert.Less(t, index, workers)
			assert.Equal(t, index, shard(hash, workers))
		}
	}
}
