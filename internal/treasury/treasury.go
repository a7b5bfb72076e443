package treasury

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/pfennig/pfennig/internal/config"
	"github.com/pfennig/pfennig/internal/models"
	"github.com/pfennig/pfennig/pkg/logger"
)

const (
	// workerQueueSize is the per-worker backlog of chain events
	workerQueueSize = 64

	initialRetryBackoff = 5 * time.Second
	maxRetryBackoff     = time.Minute
)

// Treasury reconciles chain events against invoices and watched addresses
// and notifies merchants about every state change.
type Treasury struct {
	logger *logger.Logger
	config *config.Config

	repo        models.Repository
	chain       models.BlockchainService
	notificator models.NotificationService
	rates       models.ExchangeRateService

	now          func() time.Time
	retryBackoff time.Duration
}

// NewTreasury creates a new Treasury instance
func NewTreasury(
	repo models.Repository,
	chain models.BlockchainService,
	notificator models.NotificationService,
	rates models.ExchangeRateService,
	logger *logger.Logger,
	config *config.Config,
) *Treasury {
	return &Treasury{
		logger:       logger,
		config:       config,
		repo:         repo,
		chain:        chain,
		notificator:  notificator,
		rates:        rates,
		now:          func() time.Time { return time.Now().UTC() },
		retryBackoff: initialRetryBackoff,
	}
}

func (t *Treasury) ChainHeight() int64 {
	return t.chain.ChainHeight()
}

// Start restores the watch set, then processes chain events until ctx is done
// or the event stream closes.
func (t *Treasury) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// dispatch runs first so re-armed confirmations can be consumed at once
	done := t.dispatch(ctx)

	if err := t.restore(ctx); err != nil {
		cancel()
		<-done
		return err
	}

	<-done
	t.logger.Info("Treasury stopped")
	return nil
}

// restore re-registers tracked addresses and pending confirmations with the
// event source, then lets it replay the blocks mined while the service was down.
func (t *Treasury) restore(ctx context.Context) error {
	addresses, err := t.repo.ListTrackedAddressHashes()
	if err != nil {
		return fmt.Errorf("failed to load tracked addresses: %w", err)
	}
	if err := t.chain.WatchAddresses(ctx, addresses); err != nil {
		return fmt.Errorf("failed to watch tracked addresses: %w", err)
	}

	payments, err := t.repo.FindUnconfirmedPayments()
	if err != nil {
		return fmt.Errorf("failed to load unconfirmed payments: %w", err)
	}
	tracked := 0
	for _, payment := range payments {
		if payment.AppearedAtChainHeight == nil && !t.locate(ctx, payment) {
			continue
		}
		t.chain.TrackConfirmation(payment.TransactionHash, *payment.AppearedAtChainHeight)
		tracked++
	}
	t.logger.Info("Treasury restored", "addresses", len(addresses), "pending_confirmations", tracked)

	if err := t.chain.CatchUp(ctx); err != nil {
		return fmt.Errorf("failed to catch up with the chain: %w", err)
	}
	return nil
}

// locate records the inclusion height of a payment seen only in the mempool
// when its transaction was mined in the meantime.
func (t *Treasury) locate(ctx context.Context, payment *models.Payment) bool {
	height, found, err := t.chain.TransactionHeight(ctx, payment.TransactionHash)
	if err != nil {
		t.logger.Warn("Failed to locate unmined payment", "tx", payment.TransactionHash, "error", err)
		return false
	}
	if !found {
		return false
	}
	payment.AppearedAtChainHeight = &height
	if err := t.repo.SavePayment(payment); err != nil {
		t.logger.Error("Failed to record inclusion height", "tx", payment.TransactionHash, "error", err)
		return false
	}
	t.logger.Info("Payment mined while offline", "tx", payment.TransactionHash, "height", height)
	return true
}

// dispatch fans events out to workers by transaction hash, so events of one
// transaction stay ordered while different transactions run concurrently.
func (t *Treasury) dispatch(ctx context.Context) <-chan struct{} {
	workers := t.config.EventWorkers
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	queues := make([]chan models.ChainEvent, workers)
	for i := range queues {
		queues[i] = make(chan models.ChainEvent, workerQueueSize)
		wg.Add(1)
		go func(queue <-chan models.ChainEvent) {
			defer wg.Done()
			for event := range queue {
				t.handleWithRetry(ctx, event)
			}
		}(queues[i])
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer wg.Wait()
		defer func() {
			for _, queue := range queues {
				close(queue)
			}
		}()

		events := t.chain.Events()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					t.logger.Warn("Chain event stream closed")
					return
				}
				select {
				case queues[shard(event.TransactionHash, workers)] <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return done
}

func shard(transactionHash string, workers int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(transactionHash))
	return int(h.Sum32() % uint32(workers))
}

// handleWithRetry keeps retrying an event while the ledger store fails, so the
// event is never dropped on a persistence outage.
func (t *Treasury) handleWithRetry(ctx context.Context, event models.ChainEvent) {
	backoff := t.retryBackoff
	for {
		err := t.HandleEvent(ctx, event)
		if err == nil {
			return
		}
		t.logger.Error("Failed to process chain event, retrying...",
			"kind", event.Kind,
			"tx", event.TransactionHash,
			"error", err,
			"retry_in", backoff)

		select {
		case <-time.After(backoff):
			backoff = backoff * 2
			if backoff > maxRetryBackoff {
				backoff = maxRetryBackoff
			}
		case <-ctx.Done():
			t.logger.Error("Treasury stopped before chain event was processed", "kind", event.Kind, "tx", event.TransactionHash)
			return
		}
	}
}

// HandleEvent routes one chain event. Only persistence failures are returned;
// rejected payments are logged and count as processed.
func (t *Treasury) HandleEvent(ctx context.Context, event models.ChainEvent) error {
	switch event.Kind {
	case models.EventCoinsReceived:
		_, err := t.Ingest(ctx, event.AddressHash, event.TransactionHash, event.ReceivedSatoshi, event.AppearedAtChainHeight)
		var validationErr *models.ValidationError
		if errors.As(err, &validationErr) {
			t.logger.Error("Rejected payment", "tx", event.TransactionHash, "address", event.AddressHash, "error", err)
			return nil
		}
		return err
	case models.EventConfirmationReached:
		return t.Confirm(ctx, event.TransactionHash, event.ChainHeight, event.AppearedAtChainHeight)
	default:
		t.logger.Warn("Unknown chain event", "kind", event.Kind, "tx", event.TransactionHash)
		return nil
	}
}
