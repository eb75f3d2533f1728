package workflow

import (
	"errors"

	"github.com/mmdatafocus/academy_backend/models"
	"gorm.io/gorm"
)

type InsertResult int

const (
	// InsertInserted means this call created the ledger row.
	InsertInserted InsertResult = iota + 1
	// InsertDuplicate means a row with the same stable uid already exists;
	// a concurrent writer won. Callers report it as a skip, not an error.
	InsertDuplicate
)

func (r InsertResult) String() string {
	switch r {
	case InsertInserted:
		return "inserted"
	case InsertDuplicate:
		return "duplicate"
	}
	return "unknown"
}

// InsertLedgerEntryOnce inserts p, relying on the unique index on
// payments.stable_uid to resolve races. It never updates an existing row.
// The insert runs in a savepoint so a duplicate does not poison an
// enclosing transaction.
func InsertLedgerEntryOnce(tx *gorm.DB, p *models.Payment) (InsertResult, error) {
	if p == nil || p.StableUid == "" {
		return 0, errors.New("ledger entry requires a stable uid")
	}
	err := tx.Transaction(func(sp *gorm.DB) error {
		return sp.Create(p).Error
	})
	if err == nil {
		return InsertInserted, nil
	}
	if isDuplicateKeyErr(err) {
		p.ID = 0
		return InsertDuplicate, nil
	}
	return 0, err
}
