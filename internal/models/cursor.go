package models

// AddressCursor holds the next unused derivation index of a key chain.
type AddressCursor struct {
	Chain     string `gorm:"column:chain;primaryKey;size:64"`
	NextIndex uint32 `gorm:"column:next_index;not null"`
}

// TableName specifies the table name for GORM
func (AddressCursor) TableName() string {
	return "address_cursors"
}

// ScanCursor holds the last block height whose transactions were processed.
type ScanCursor struct {
	Chain  string `gorm:"column:chain;primaryKey;size:64"`
	Height int64  `gorm:"column:height;not null"`
}

func (ScanCursor) TableName() string {
	return "scan_cursors"
}
