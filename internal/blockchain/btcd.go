package blockchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/pfennig/pfennig/internal/models"
	"github.com/pfennig/pfennig/pkg/logger"
)

const (
	// EventChannelBuffer is the buffer size for the chain event channel
	EventChannelBuffer = 256
)

// BtcdConfig holds the btcd websocket connection settings.
type BtcdConfig struct {
	Host       string
	User       string
	Password   string
	CertPath   string
	DisableTLS bool
}

// HeightStore persists the last processed block height per chain.
type HeightStore interface {
	LastScannedHeight(chain string) (int64, bool, error)
	SaveScannedHeight(chain string, height int64) error
}

// chainClient is the part of the btcd RPC client the source uses.
type chainClient interface {
	GetBlockCount() (int64, error)
	GetBlockHash(blockHeight int64) (*chainhash.Hash, error)
	GetBlock(blockHash *chainhash.Hash) (*wire.MsgBlock, error)
	GetBlockHeaderVerbose(blockHash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult, error)
	GetRawTransactionVerbose(txHash *chainhash.Hash) (*btcjson.TxRawResult, error)
	NotifyBlocks() error
	LoadTxFilter(reload bool, addresses []btcutil.Address, outPoints []wire.OutPoint) error
	Shutdown()
	WaitForShutdown()
}

// BtcdSource follows a btcd node over websocket and turns transactions paying
// watched addresses into chain events.
type BtcdSource struct {
	logger   *logger.Logger
	config   BtcdConfig
	params   *chaincfg.Params
	keychain *Keychain
	heights  HeightStore
	client   chainClient

	height  atomic.Int64
	tracker *depthTracker
	events  chan models.ChainEvent

	mu      sync.RWMutex
	watched map[string]btcutil.Address

	// scanMu serializes block processing between catch-up and live notifications
	scanMu sync.Mutex
	// caughtUp is set after the first catch-up; reconnects replay from then on
	caughtUp atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewBtcdSource creates a new BtcdSource instance. heights may be nil, in which
// case blocks mined while offline are not replayed.
func NewBtcdSource(logger *logger.Logger, config BtcdConfig, params *chaincfg.Params, threshold int64, keychain *Keychain, heights HeightStore) *BtcdSource {
	ctx, cancel := context.WithCancel(context.Background())
	return &BtcdSource{
		logger:   logger,
		config:   config,
		params:   params,
		keychain: keychain,
		heights:  heights,
		tracker:  newDepthTracker(threshold),
		events:   make(chan models.ChainEvent, EventChannelBuffer),
		watched:  make(map[string]btcutil.Address),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Run connects to btcd, subscribes to blocks and loads the address filter.
func (s *BtcdSource) Run() error {
	connConfig := &rpcclient.ConnConfig{
		Host:       s.config.Host,
		Endpoint:   "ws",
		User:       s.config.User,
		Pass:       s.config.Password,
		DisableTLS: s.config.DisableTLS,
	}
	if !s.config.DisableTLS && s.config.CertPath != "" {
		cert, err := os.ReadFile(s.config.CertPath)
		if err != nil {
			return fmt.Errorf("failed to read btcd certificate: %w", err)
		}
		connConfig.Certificates = cert
	}

	handlers := &rpcclient.NotificationHandlers{
		OnClientConnected: func() {
			s.logger.Info("Connected to btcd", "host", s.config.Host)
			// rpc calls must not run on the notification goroutine
			go s.reconnected()
		},
		OnFilteredBlockConnected:    s.onFilteredBlockConnected,
		OnFilteredBlockDisconnected: s.onFilteredBlockDisconnected,
		OnRelevantTxAccepted:        s.onRelevantTxAccepted,
	}

	client, err := rpcclient.New(connConfig, handlers)
	if err != nil {
		return fmt.Errorf("failed to connect to btcd: %w", err)
	}
	return s.start(client)
}

func (s *BtcdSource) start(client chainClient) error {
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	height, err := client.GetBlockCount()
	if err != nil {
		return fmt.Errorf("failed to get block count: %w", err)
	}
	s.height.Store(height)
	s.logger.Info("Chain height loaded", "height", height, "network", s.params.Name)

	if err := client.NotifyBlocks(); err != nil {
		return fmt.Errorf("failed to subscribe to blocks: %w", err)
	}
	return s.loadFilter(true, s.watchedAddresses())
}

func (s *BtcdSource) Close() error {
	s.cancel()
	client := s.rpc()
	if client != nil {
		client.Shutdown()
		client.WaitForShutdown()
	}
	return nil
}

func (s *BtcdSource) Events() <-chan models.ChainEvent {
	return s.events
}

func (s *BtcdSource) ChainHeight() int64 {
	return s.height.Load()
}

func (s *BtcdSource) FreshReceiveAddress(ctx context.Context) (string, error) {
	address, err := s.keychain.NextAddress()
	if err != nil {
		return "", fmt.Errorf("failed to derive receive address: %w", err)
	}
	if err := s.WatchAddresses(ctx, []string{address}); err != nil {
		return "", err
	}
	return address, nil
}

func (s *BtcdSource) WatchAddresses(ctx context.Context, addressHashes []string) error {
	added := make([]btcutil.Address, 0, len(addressHashes))
	s.mu.Lock()
	for _, hash := range addressHashes {
		if _, ok := s.watched[hash]; ok {
			continue
		}
		addr, err := btcutil.DecodeAddress(hash, s.params)
		if err != nil {
			s.logger.Warn("Skipping undecodable address", "address", hash, "error", err)
			continue
		}
		s.watched[addr.EncodeAddress()] = addr
		added = append(added, addr)
	}
	s.mu.Unlock()

	if len(added) == 0 {
		return nil
	}
	s.logger.Debug("Watching addresses", "count", len(added))
	return s.loadFilter(false, added)
}

// TrackConfirmation arms depth tracking and fires at once when the
// transaction is already deep enough.
func (s *BtcdSource) TrackConfirmation(transactionHash string, appearedAtChainHeight int64) {
	s.tracker.Track(transactionHash, appearedAtChainHeight)
	s.emit(s.tracker.Connected(s.ChainHeight())...)
}

// CatchUp replays every block after the stored scan height up to the current
// best height. Without a stored height the current height becomes the start.
func (s *BtcdSource) CatchUp(ctx context.Context) error {
	defer s.caughtUp.Store(true)

	client := s.rpc()
	if client == nil || s.heights == nil {
		return nil
	}

	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	last, ok, err := s.heights.LastScannedHeight(s.params.Name)
	if err != nil {
		return fmt.Errorf("failed to load scan height: %w", err)
	}
	best := s.ChainHeight()
	if !ok {
		s.logger.Info("No scan height stored, starting at chain tip", "height", best)
		return s.saveHeight(best)
	}
	if last >= best {
		return nil
	}

	s.logger.Info("Catching up on missed blocks", "from", last+1, "to", best)
	for height := last + 1; height <= best; height++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		hash, err := client.GetBlockHash(height)
		if err != nil {
			return fmt.Errorf("failed to get block hash at %d: %w", height, err)
		}
		block, err := client.GetBlock(hash)
		if err != nil {
			return fmt.Errorf("failed to get block %s: %w", hash, err)
		}
		s.connectBlock(height, block.Transactions)
	}
	s.logger.Info("Caught up with chain", "height", best)
	return nil
}

// TransactionHeight asks the node where a transaction was mined. Nodes without
// a transaction index only know mempool transactions; those report not found.
func (s *BtcdSource) TransactionHeight(ctx context.Context, transactionHash string) (int64, bool, error) {
	client := s.rpc()
	if client == nil {
		return 0, false, nil
	}
	hash, err := chainhash.NewHashFromStr(transactionHash)
	if err != nil {
		return 0, false, fmt.Errorf("invalid transaction hash %q: %w", transactionHash, err)
	}

	tx, err := client.GetRawTransactionVerbose(hash)
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCNoTxInfo {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up transaction %s: %w", transactionHash, err)
	}
	if tx.BlockHash == "" {
		return 0, false, nil
	}

	blockHash, err := chainhash.NewHashFromStr(tx.BlockHash)
	if err != nil {
		return 0, false, fmt.Errorf("invalid block hash %q: %w", tx.BlockHash, err)
	}
	header, err := client.GetBlockHeaderVerbose(blockHash)
	if err != nil {
		return 0, false, fmt.Errorf("failed to get block header %s: %w", tx.BlockHash, err)
	}
	return int64(header.Height), true, nil
}

func (s *BtcdSource) rpc() chainClient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *BtcdSource) isWatched(address string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.watched[address]
	return ok
}

func (s *BtcdSource) watchedAddresses() []btcutil.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addrs := make([]btcutil.Address, 0, len(s.watched))
	for _, addr := range s.watched {
		addrs = append(addrs, addr)
	}
	return addrs
}

func (s *BtcdSource) loadFilter(reload bool, addrs []btcutil.Address) error {
	client := s.rpc()
	// not connected yet; Run loads the whole set
	if client == nil {
		return nil
	}
	if err := client.LoadTxFilter(reload, addrs, nil); err != nil {
		return fmt.Errorf("failed to load transaction filter: %w", err)
	}
	return nil
}

// reconnected restores the filter and, once the first catch-up ran, replays
// the blocks mined while the websocket was down.
func (s *BtcdSource) reconnected() {
	if err := s.loadFilter(true, s.watchedAddresses()); err != nil {
		s.logger.Error("Failed to reload transaction filter", "error", err)
	}
	if !s.caughtUp.Load() {
		return
	}
	if client := s.rpc(); client != nil {
		if height, err := client.GetBlockCount(); err == nil && height > s.height.Load() {
			s.height.Store(height)
		}
	}
	if err := s.CatchUp(s.ctx); err != nil {
		s.logger.Error("Failed to catch up after reconnect", "error", err)
	}
}

func (s *BtcdSource) saveHeight(height int64) error {
	if s.heights == nil {
		return nil
	}
	return s.heights.SaveScannedHeight(s.params.Name, height)
}

func (s *BtcdSource) emit(events ...models.ChainEvent) {
	for _, event := range events {
		select {
		case s.events <- event:
		case <-s.ctx.Done():
			return
		}
	}
}

// handleTx emits coinsReceived when tx pays a watched address.
func (s *BtcdSource) handleTx(tx *wire.MsgTx, appearedAt *int64) bool {
	address, amount, ok := matchOutputs(tx, s.params, s.isWatched)
	if !ok {
		return false
	}
	hash := tx.TxHash().String()
	s.logger.Info("Transaction to watched address detected", "tx", hash, "address", address, "satoshi", amount)
	s.emit(models.ChainEvent{
		Kind:                  models.EventCoinsReceived,
		TransactionHash:       hash,
		AddressHash:           address,
		ReceivedSatoshi:       amount,
		AppearedAtChainHeight: appearedAt,
	})
	return true
}

// connectBlock processes the transactions of one block and records its height.
// Callers hold scanMu.
func (s *BtcdSource) connectBlock(height int64, txs []*wire.MsgTx) {
	for _, tx := range txs {
		appearedAt := height
		if s.handleTx(tx, &appearedAt) {
			s.tracker.Track(tx.TxHash().String(), height)
		}
	}

	if height > s.height.Load() {
		s.height.Store(height)
	}
	s.emit(s.tracker.Connected(height)...)

	if err := s.saveHeight(height); err != nil {
		s.logger.Error("Failed to save scan height", "height", height, "error", err)
	}
}

func (s *BtcdSource) onRelevantTxAccepted(raw []byte) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		s.logger.Error("Failed to decode relevant transaction", "error", err)
		return
	}
	s.handleTx(&tx, nil)
}

func (s *BtcdSource) onFilteredBlockConnected(height int32, header *wire.BlockHeader, txs []*btcutil.Tx) {
	s.logger.Debug("New block connected", "height", height, "transactions", len(txs))

	msgTxs := make([]*wire.MsgTx, 0, len(txs))
	for _, tx := range txs {
		msgTxs = append(msgTxs, tx.MsgTx())
	}

	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	s.connectBlock(int64(height), msgTxs)
}

func (s *BtcdSource) onFilteredBlockDisconnected(height int32, header *wire.BlockHeader) {
	blockHeight := int64(height)
	s.logger.Warn("Block disconnected", "height", blockHeight)

	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	s.tracker.Disconnected(blockHeight)
	s.height.Store(blockHeight - 1)
	if err := s.saveHeight(blockHeight - 1); err != nil {
		s.logger.Error("Failed to save scan height", "height", blockHeight-1, "error", err)
	}
}
