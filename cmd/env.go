package main

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/contact-reveal/internal/checkpoint"
	"github.com/sells-group/contact-reveal/internal/config"
	"github.com/sells-group/contact-reveal/internal/contact"
	"github.com/sells-group/contact-reveal/internal/model"
	"github.com/sells-group/contact-reveal/internal/quota"
	"github.com/sells-group/contact-reveal/internal/store"
)

func checkpointStore() *checkpoint.FileStore {
	return checkpoint.NewFileStore(cfg.Checkpoint.Path)
}

// loadSnapshot reads the checkpoint every command after merge works from.
func loadSnapshot() (*checkpoint.Snapshot, *checkpoint.FileStore, error) {
	fs := checkpointStore()
	snap, err := fs.Load()
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, nil, eris.Errorf("no checkpoint at %s, run merge first", fs.Path())
	}
	if err != nil {
		return nil, nil, err
	}
	return snap, fs, nil
}

// openJournal returns nil when journal.path is empty.
func openJournal(ctx context.Context) (*store.SQLiteStore, error) {
	if cfg.Journal.Path == "" {
		return nil, nil
	}
	st, err := store.NewSQLite(cfg.Journal.Path)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate journal")
	}
	return st, nil
}

func quotaLocation(qc config.QuotaConfig) (*time.Location, error) {
	if qc.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(qc.Timezone)
	if err != nil {
		return nil, eris.Wrapf(err, "quota.timezone %q", qc.Timezone)
	}
	return loc, nil
}

// restoreLedger rebuilds the ledger from persisted state under the
// configured cap and timezone.
func restoreLedger(state model.LedgerState) (*quota.Ledger, error) {
	loc, err := quotaLocation(cfg.Quota)
	if err != nil {
		return nil, err
	}
	return quota.Restore(state, cfg.Quota.DailyCap, quota.WithLocation(loc))
}

func policy(qc config.QuotaConfig) quota.Policy {
	return quota.Policy{
		CountLinkedInOnly: qc.CountLinkedInOnly,
		CountNotFound:     qc.CountNotFound,
	}
}

func normalizer(ic config.IdentityConfig) *contact.Normalizer {
	return contact.NewNormalizer(contact.FieldSet{
		Primary:  ic.PrimaryFields,
		Fallback: ic.FallbackFields,
		Title:    ic.TitleFields,
		Company:  ic.CompanyFields,
		Location: ic.LocationFields,
	})
}

func closeJournal(st *store.SQLiteStore) {
	if st == nil {
		return
	}
	if err := st.Close(); err != nil {
		zap.L().Warn("close journal", zap.Error(err))
	}
}
