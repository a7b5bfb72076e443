package repository

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/pfennig/pfennig/internal/models"
	"github.com/pfennig/pfennig/pkg/logger"
)

// LedgerDB stores invoices, watching addresses, payments and delivery logs.
type LedgerDB struct {
	logger *logger.Logger

	Conn *gorm.DB
}

func NewPostgresDB(user, password, dbname, host string, port int, logger *logger.Logger) (*LedgerDB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		host, user, password, dbname, port)
	return NewPostgresDBFromURL(dsn, logger)
}

// NewPostgresDBFromURL connects with a DSN or postgres:// URL.
func NewPostgresDBFromURL(dsn string, logger *logger.Logger) (*LedgerDB, error) {
	db, err := open(postgres.Open(dsn), 0, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	logger.Info("Successfully connected to PostgreSQL")
	return db, nil
}

// NewSQLiteDB opens a SQLite database, ":memory:" included.
func NewSQLiteDB(path string, logger *logger.Logger) (*LedgerDB, error) {
	// a single connection keeps ":memory:" databases shared and serializes writers
	db, err := open(sqlite.Open(path), 1, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	logger.Info("Successfully opened SQLite database", "path", path)
	return db, nil
}

func open(dialector gorm.Dialector, maxOpenConns int, logger *logger.Logger) (*LedgerDB, error) {
	// Configure GORM logger to suppress "record not found" messages
	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, err
	}
	if maxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database connection: %w", err)
		}
		sqlDB.SetMaxOpenConns(maxOpenConns)
	}

	if err := db.AutoMigrate(&models.Invoice{}, &models.WatchingAddress{}, &models.Payment{}, &models.NotificationLog{}, &models.AddressCursor{}, &models.ScanCursor{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate models: %w", err)
	}
	return &LedgerDB{Conn: db, logger: logger}, nil
}

func (db *LedgerDB) Close() error {
	sqlDB, err := db.Conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	return sqlDB.Close()
}

// findOne loads the first row matching column = value into dest.
// It reports false when no row matches.
func (db *LedgerDB) findOne(dest interface{}, column, value string) (bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return false, nil
	}
	err := db.Conn.Where(column+" = ?", value).Take(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (db *LedgerDB) findInvoice(column, value string) (*models.Invoice, error) {
	var invoice models.Invoice
	found, err := db.findOne(&invoice, column, value)
	if err != nil {
		return nil, fmt.Errorf("failed to find invoice by %s: %w", column, err)
	}
	if !found {
		return nil, nil
	}
	return &invoice, nil
}

func (db *LedgerDB) FindInvoiceByAddressHash(addressHash string) (*models.Invoice, error) {
	return db.findInvoice("address_hash", addressHash)
}

func (db *LedgerDB) FindInvoiceByIdentifier(identifier string) (*models.Invoice, error) {
	return db.findInvoice("identifier", identifier)
}

func (db *LedgerDB) FindInvoiceByOrderID(orderID string) (*models.Invoice, error) {
	return db.findInvoice("order_id", orderID)
}

// SaveInvoice assigns an identifier when missing, validates and stores the invoice.
func (db *LedgerDB) SaveInvoice(invoice *models.Invoice) error {
	if invoice.Identifier == "" {
		invoice.Identifier = uuid.NewString()
	}
	if err := invoice.Validate(); err != nil {
		return err
	}
	if err := db.Conn.Save(invoice).Error; err != nil {
		return fmt.Errorf("failed to save invoice: %w", err)
	}
	return nil
}

func (db *LedgerDB) findWatchingAddress(column, value string) (*models.WatchingAddress, error) {
	var address models.WatchingAddress
	found, err := db.findOne(&address, column, value)
	if err != nil {
		return nil, fmt.Errorf("failed to find watching address by %s: %w", column, err)
	}
	if !found {
		return nil, nil
	}
	return &address, nil
}

func (db *LedgerDB) FindWatchingAddressByAddressHash(addressHash string) (*models.WatchingAddress, error) {
	return db.findWatchingAddress("address_hash", addressHash)
}

func (db *LedgerDB) FindWatchingAddressByIdentifier(identifier string) (*models.WatchingAddress, error) {
	return db.findWatchingAddress("identifier", identifier)
}

func (db *LedgerDB) SaveWatchingAddress(address *models.WatchingAddress) error {
	if address.Identifier == "" {
		address.Identifier = uuid.NewString()
	}
	if err := address.Validate(); err != nil {
		return err
	}
	if err := db.Conn.Save(address).Error; err != nil {
		return fmt.Errorf("failed to save watching address: %w", err)
	}
	return nil
}

// ListTrackedAddressHashes returns every invoice and watching address hash.
func (db *LedgerDB) ListTrackedAddressHashes() ([]string, error) {
	var invoiceHashes, watchedHashes []string
	if err := db.Conn.Model(&models.Invoice{}).Pluck("address_hash", &invoiceHashes).Error; err != nil {
		return nil, fmt.Errorf("failed to list invoice addresses: %w", err)
	}
	if err := db.Conn.Model(&models.WatchingAddress{}).Pluck("address_hash", &watchedHashes).Error; err != nil {
		return nil, fmt.Errorf("failed to list watching addresses: %w", err)
	}
	return append(invoiceHashes, watchedHashes...), nil
}

func (db *LedgerDB) FindPaymentsByAddressHash(addressHash string) ([]*models.Payment, error) {
	var payments []*models.Payment
	if err := db.Conn.Where("address_hash = ?", strings.TrimSpace(addressHash)).Order("id DESC").Find(&payments).Error; err != nil {
		return nil, fmt.Errorf("failed to get payments: %w", err)
	}
	return payments, nil
}

func (db *LedgerDB) FindPaymentByTransactionHash(transactionHash string) (*models.Payment, error) {
	var payment models.Payment
	found, err := db.findOne(&payment, "transaction_hash", transactionHash)
	if err != nil {
		return nil, fmt.Errorf("failed to find payment: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &payment, nil
}

func (db *LedgerDB) FindUnconfirmedPayments() ([]*models.Payment, error) {
	var payments []*models.Payment
	if err := db.Conn.Where("confirmed_at IS NULL").Order("id ASC").Find(&payments).Error; err != nil {
		return nil, fmt.Errorf("failed to get unconfirmed payments: %w", err)
	}
	return payments, nil
}

func (db *LedgerDB) CreatePayment(payment *models.Payment) (*models.Payment, bool, error) {
	if err := payment.Validate(); err != nil {
		return nil, false, err
	}

	result := db.Conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "transaction_hash"}},
		DoNothing: true,
	}).Create(payment)
	if result.Error != nil {
		return nil, false, fmt.Errorf("failed to create payment: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return payment, true, nil
	}

	existing, err := db.FindPaymentByTransactionHash(payment.TransactionHash)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("payment %s neither created nor found", payment.TransactionHash)
	}
	db.logger.Debug("Payment already stored", "tx", payment.TransactionHash)
	return existing, false, nil
}

func (db *LedgerDB) SavePayment(payment *models.Payment) error {
	if err := payment.Validate(); err != nil {
		return err
	}
	if err := db.Conn.Save(payment).Error; err != nil {
		return fmt.Errorf("failed to save payment: %w", err)
	}
	return nil
}

func (db *LedgerDB) MarkPaymentConfirmed(transactionHash string, appearedAtChainHeight int64, confirmedAt time.Time) (bool, error) {
	result := db.Conn.Model(&models.Payment{}).
		Where("transaction_hash = ? AND confirmed_at IS NULL", strings.TrimSpace(transactionHash)).
		Updates(map[string]interface{}{
			"confirmed_at":             confirmedAt,
			"appeared_at_chain_height": gorm.Expr("COALESCE(appeared_at_chain_height, ?)", appearedAtChainHeight),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to confirm payment: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (db *LedgerDB) SaveNotificationLog(entry *models.NotificationLog) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if err := db.Conn.Create(entry).Error; err != nil {
		return fmt.Errorf("failed to save notification log: %w", err)
	}
	return nil
}

// NextAddressIndex hands out derivation indexes 0, 1, 2, ... for a chain.
func (db *LedgerDB) NextAddressIndex(chain string) (uint32, error) {
	var index uint32
	err := db.Conn.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.AddressCursor{Chain: chain}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.AddressCursor{}).Where("chain = ?", chain).
			Update("next_index", gorm.Expr("next_index + 1")).Error; err != nil {
			return err
		}
		var cursor models.AddressCursor
		if err := tx.Where("chain = ?", chain).Take(&cursor).Error; err != nil {
			return err
		}
		index = cursor.NextIndex - 1
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to advance address cursor: %w", err)
	}
	return index, nil
}

// LastScannedHeight returns the last processed block height of a chain;
// ok is false before the first block was recorded.
func (db *LedgerDB) LastScannedHeight(chain string) (int64, bool, error) {
	var cursor models.ScanCursor
	found, err := db.findOne(&cursor, "chain", chain)
	if err != nil || !found {
		return 0, false, err
	}
	return cursor.Height, true, nil
}

func (db *LedgerDB) SaveScannedHeight(chain string, height int64) error {
	err := db.Conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chain"}},
		DoUpdates: clause.AssignmentColumns([]string{"height"}),
	}).Create(&models.ScanCursor{Chain: chain, Height: height}).Error
	if err != nil {
		return fmt.Errorf("failed to save scan cursor: %w", err)
	}
	return nil
}
