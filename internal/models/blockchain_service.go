package models

import "context"

// BlockchainService is the external blockchain event source.
type BlockchainService interface {
	// Events delivers coins-received and confirmation-reached events.
	Events() <-chan ChainEvent
	// ChainHeight returns the current best chain height.
	ChainHeight() int64
	// FreshReceiveAddress returns an unused wallet address, already watched.
	FreshReceiveAddress(ctx context.Context) (string, error)
	// WatchAddresses adds addresses to the set monitored for incoming payments.
	WatchAddresses(ctx context.Context, addressHashes []string) error
	// TrackConfirmation re-arms depth tracking for a mined, unconfirmed transaction.
	TrackConfirmation(transactionHash string, appearedAtChainHeight int64)
	// CatchUp replays blocks mined since the last processed height through the
	// watched set, emitting the events missed while offline.
	CatchUp(ctx context.Context) error
	// TransactionHeight returns the height of the block including a transaction;
	// found is false while it is unmined or unknown to the node.
	TransactionHeight(ctx context.Context, transactionHash string) (height int64, found bool, err error)
}
