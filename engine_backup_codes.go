package authcore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/synergyhub/authcore/internal"
)

// RegenerateBackupCodes replaces the entire backup code pool and returns
// the new plaintext codes. The proof must be a genuine authenticator
// code: accepting a backup code here would let a single stolen code mint
// a fresh pool, so backup codes are rejected with
// [ErrRegenerationRequiresTOTP] before any verification happens.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, identityID, totpCode string) ([]string, error) {
	if e == nil || e.identities == nil {
		return nil, ErrEngineNotReady
	}

	record, err := e.identities.GetTwoFactor(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, ErrNotEnrolled
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if record == nil || !record.Enabled {
		return nil, ErrNotEnrolled
	}

	if !e.looksLikeTOTP(totpCode) {
		return nil, ErrRegenerationRequiresTOTP
	}
	if _, err := e.verifyTOTPCode(ctx, identityID, record, totpCode); err != nil {
		return nil, err
	}

	codes, records, err := e.generateBackupCodes()
	if err != nil {
		return nil, err
	}

	// ReplaceBackupCodes swaps the whole pool in one store operation, so a
	// concurrent consume sees either the old pool or the new one, never a
	// mix.
	if err := e.identities.ReplaceBackupCodes(ctx, identityID, records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.Inc(MetricBackupCodeRegenerated)
	e.emitAudit(ctx, eventBackupCodesRegenerated, identityID, "", true, nil, map[string]string{
		"count": fmt.Sprintf("%d", len(codes)),
	})

	return codes, nil
}

// BackupCodesRemaining reports how many backup codes are still unused.
func (e *Engine) BackupCodesRemaining(ctx context.Context, identityID string) (int, error) {
	if e == nil || e.identities == nil {
		return 0, ErrEngineNotReady
	}

	count, err := e.identities.CountUnusedBackupCodes(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return 0, ErrIdentityNotFound
		}
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return count, nil
}

// generateBackupCodes produces a full pool of distinct codes plus their
// stored hashes. Duplicates within a batch are astronomically unlikely
// but cheap to re-roll.
func (e *Engine) generateBackupCodes() ([]string, []BackupCodeRecord, error) {
	count := e.config.TwoFactor.BackupCodeCount
	length := e.config.TwoFactor.BackupCodeLength

	codes := make([]string, 0, count)
	records := make([]BackupCodeRecord, 0, count)
	seen := make(map[string]struct{}, count)

	start := time.Now()
	for len(codes) < count {
		if time.Since(start) > 5*time.Second {
			return nil, nil, errors.New("backup code generation stalled")
		}

		code, err := internal.NewBackupCode(length)
		if err != nil {
			return nil, nil, err
		}
		if _, dup := seen[code]; dup {
			log.Printf("authcore: backup code collision, regenerating")
			continue
		}
		seen[code] = struct{}{}

		codes = append(codes, code)
		records = append(records, BackupCodeRecord{
			Hash: internal.HashBytes([]byte(code)),
		})
	}

	return codes, records, nil
}
