package models

// EventKind distinguishes the two events delivered by the blockchain event source.
type EventKind string

const (
	EventCoinsReceived       EventKind = "coinsReceived"
	EventConfirmationReached EventKind = "confirmationReached"
)

// ChainEvent is a single event from the blockchain event source.
// Events of one transaction arrive in order: coins received before confirmation.
type ChainEvent struct {
	Kind            EventKind
	TransactionHash string

	// AddressHash and ReceivedSatoshi are set for EventCoinsReceived.
	AddressHash     string
	ReceivedSatoshi int64

	// AppearedAtChainHeight is the height of the including block, nil while unmined.
	AppearedAtChainHeight *int64

	// ChainHeight is the best height when the confirmation threshold was reached.
	ChainHeight int64
}
