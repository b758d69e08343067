package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"escrow_dex/internal/domain"
	"escrow_dex/internal/event"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage persists the marketplace registry, listings, fills and the event log.
type Storage struct {
	db *gorm.DB
}

// Transition is every record write belonging to one state transition.
type Transition struct {
	Marketplace *domain.Marketplace
	Listing     *domain.Listing
	Delete      *domain.ListingRef
	Fill        *domain.Fill
	Event       *event.ListingEvent
}

// NewStorage opens (or creates) the SQLite database at path.
// An empty path resolves to the per-user data directory.
func NewStorage(path string) (*Storage, error) {
	if path == "" {
		resolved, err := getDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
		path = resolved
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return newStorage(db)
}

func newStorage(db *gorm.DB) (*Storage, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database handle: %w", err)
	}
	// SQLite allows one writer; a single connection turns lock contention into queueing.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&domain.Marketplace{}, &domain.Listing{}, &domain.Fill{}, &event.ListingEvent{}, &domain.LedgerAccount{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "EscrowDex", "data", "escrow_dex.db"), nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Transitions
// ======================================================================================

// CommitFunc commits a settlement batch and returns the accounts it changed.
type CommitFunc func() ([]domain.LedgerAccount, error)

// Apply writes a transition in one database transaction. commit, when non-nil,
// runs after the record writes inside that transaction and the accounts it
// returns are written with them: if anything fails nothing is written, so the
// stored ledger always matches the stored listings.
func (s *Storage) Apply(ctx context.Context, tr Transition, commit CommitFunc) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tr.Marketplace != nil {
			if err := upsert(tx, tr.Marketplace); err != nil {
				return fmt.Errorf("failed to save marketplace: %w", err)
			}
		}
		if tr.Listing != nil {
			if err := upsert(tx, tr.Listing); err != nil {
				return fmt.Errorf("failed to save listing: %w", err)
			}
		}
		if tr.Delete != nil {
			res := tx.Where("seller = ? AND listing_id = ?", tr.Delete.Seller, tr.Delete.ListingID).Delete(&domain.Listing{})
			if res.Error != nil {
				return fmt.Errorf("failed to delete listing: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("failed to delete listing %s: %w", tr.Delete, domain.ErrListingNotFound)
			}
		}
		if tr.Fill != nil {
			if err := tx.Create(tr.Fill).Error; err != nil {
				return fmt.Errorf("failed to record fill: %w", err)
			}
		}
		if tr.Event != nil {
			if err := tx.Create(tr.Event).Error; err != nil {
				return fmt.Errorf("failed to append event: %w", err)
			}
		}
		if commit == nil {
			return nil
		}
		accounts, err := commit()
		if err != nil {
			return err
		}
		return saveAccounts(tx, accounts)
	})
}

// saveAccounts upserts ledger rows. An account with no holding and no
// currency left is deleted.
func saveAccounts(tx *gorm.DB, accounts []domain.LedgerAccount) error {
	for i := range accounts {
		acct := &accounts[i]
		if !acct.HasHolding && acct.Currency == 0 {
			if err := tx.Delete(&domain.LedgerAccount{}, "address = ?", acct.Address).Error; err != nil {
				return fmt.Errorf("failed to drop ledger account: %w", err)
			}
			continue
		}
		if err := upsert(tx, acct); err != nil {
			return fmt.Errorf("failed to save ledger account: %w", err)
		}
	}
	return nil
}

// upsert inserts or fully overwrites a record by primary key. gorm's Save treats
// a zero key (listing 0) as "new" and would insert twice.
func upsert(tx *gorm.DB, value any) error {
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(value).Error
}

// ======================================================================================
// Reads
// ======================================================================================

// LoadMarketplace returns the registry row, or nil if the marketplace was never initialized.
func (s *Storage) LoadMarketplace(ctx context.Context) (*domain.Marketplace, error) {
	var m domain.Marketplace
	err := s.db.WithContext(ctx).First(&m, domain.MarketplaceRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadListings returns every listing that has not been closed.
func (s *Storage) LoadListings(ctx context.Context) ([]domain.Listing, error) {
	var listings []domain.Listing
	err := s.db.WithContext(ctx).Order("listing_id ASC").Find(&listings).Error
	return listings, err
}

// GetListing retrieves one listing, nil if absent.
func (s *Storage) GetListing(ctx context.Context, ref domain.ListingRef) (*domain.Listing, error) {
	var l domain.Listing
	err := s.db.WithContext(ctx).First(&l, "seller = ? AND listing_id = ?", ref.Seller, ref.ListingID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ListFills returns the fills of a listing, oldest first.
func (s *Storage) ListFills(ctx context.Context, ref domain.ListingRef) ([]domain.Fill, error) {
	var fills []domain.Fill
	err := s.db.WithContext(ctx).
		Where("seller = ? AND listing_id = ?", ref.Seller, ref.ListingID).
		Order("created_at ASC").
		Find(&fills).Error
	return fills, err
}

// ListEvents returns up to limit events with Seq >= fromSeq.
func (s *Storage) ListEvents(ctx context.Context, fromSeq uint64, limit int) ([]event.ListingEvent, error) {
	var events []event.ListingEvent
	err := s.db.WithContext(ctx).
		Where("seq >= ?", fromSeq).
		Order("seq ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// LastEventSeq returns the highest stored event sequence, 0 when empty.
func (s *Storage) LastEventSeq(ctx context.Context) (uint64, error) {
	var last int64
	row := s.db.WithContext(ctx).Model(&event.ListingEvent{}).Select("COALESCE(MAX(seq), 0)").Row()
	if err := row.Scan(&last); err != nil {
		return 0, fmt.Errorf("failed to get last seq: %w", err)
	}
	return uint64(last), nil
}

// ======================================================================================
// Ledger
// ======================================================================================

// SaveLedger rewrites the stored ledger from a full snapshot, dropping rows
// that no longer exist. snapshot runs inside the database transaction: Apply
// holds the only connection while it commits, so the snapshot cannot miss or
// overwrite a transition that is being stored concurrently.
func (s *Storage) SaveLedger(ctx context.Context, snapshot func() []domain.LedgerAccount) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		accounts := snapshot()
		if err := tx.Where("1 = 1").Delete(&domain.LedgerAccount{}).Error; err != nil {
			return fmt.Errorf("failed to clear ledger: %w", err)
		}
		if len(accounts) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(accounts, 200).Error; err != nil {
			return fmt.Errorf("failed to write ledger: %w", err)
		}
		return nil
	})
}

// LoadLedger returns the stored ledger accounts, empty if none.
func (s *Storage) LoadLedger(ctx context.Context) ([]domain.LedgerAccount, error) {
	var accounts []domain.LedgerAccount
	err := s.db.WithContext(ctx).Find(&accounts).Error
	return accounts, err
}
