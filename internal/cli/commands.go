package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stagehand-sql/stagehand"
	"github.com/stagehand-sql/stagehand/catalog"
	"github.com/stagehand-sql/stagehand/history"
	_ "github.com/stagehand-sql/stagehand/catalog/file"
)

var errInvalidSequenceWidth = errors.New("digits must be positive")

// withLockRetry reruns fn while it fails with lock contention, for up to
// wait. The engine itself never retries acquisition; this is the caller
// deciding to. wait <= 0 keeps the fail-fast behavior.
func withLockRetry(ctx context.Context, wait time.Duration, fn func() error) error {
	if wait <= 0 {
		return fn()
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = wait
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !errors.Is(err, history.ErrLocked) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

func upCmd(ctx context.Context, e *stagehand.Engine, lockWait time.Duration) error {
	var result *stagehand.RunResult
	err := withLockRetry(ctx, lockWait, func() error {
		var runErr error
		result, runErr = e.Run(ctx)
		return runErr
	})
	if result != nil {
		printRunResult(result)
	}
	return err
}

func statusCmd(ctx context.Context, e *stagehand.Engine) error {
	st, err := e.Status(ctx)
	if err != nil {
		return err
	}

	for _, entry := range st.Entries {
		if entry.Batch > 0 {
			log.Printf("%-50s %-12s batch %d, executed %s\n",
				entry.Name, entry.Classification, entry.Batch,
				entry.ExecutedAt.Format(time.RFC3339))
		} else {
			log.Printf("%-50s %s\n", entry.Name, entry.Classification)
		}
	}
	for _, name := range st.Orphaned {
		log.Printf("%-50s applied but missing from catalog\n", name)
	}
	log.Printf("%d applied, %d pending\n", st.Applied, st.Pending)
	return nil
}

func rollbackCmd(ctx context.Context, e *stagehand.Engine, target string, lockWait time.Duration) error {
	var result *stagehand.RollbackResult
	err := withLockRetry(ctx, lockWait, func() error {
		var rbErr error
		if batch, convErr := strconv.Atoi(target); convErr == nil {
			result, rbErr = e.RollbackToBatch(ctx, batch)
		} else {
			result, rbErr = e.RollbackToName(ctx, target)
		}
		return rbErr
	})
	if result != nil {
		printRollbackResult(result)
	}
	return err
}

func freshCmd(ctx context.Context, e *stagehand.Engine, lockWait time.Duration) error {
	var (
		rbResult  *stagehand.RollbackResult
		runResult *stagehand.RunResult
	)
	err := withLockRetry(ctx, lockWait, func() error {
		var freshErr error
		rbResult, runResult, freshErr = e.Fresh(ctx)
		return freshErr
	})
	if rbResult != nil {
		printRollbackResult(rbResult)
	}
	if runResult != nil {
		printRunResult(runResult)
	}
	return err
}

func printRunResult(r *stagehand.RunResult) {
	if r.NoOp() {
		log.Println("no change")
		return
	}
	for _, o := range r.Outcomes {
		if o.Status == "" {
			continue
		}
		log.Printf("%s: %s (%v)\n", o.Name, o.Status, o.ExecutionTime)
	}
	log.Printf("batch %d: %d applied\n", r.Batch, r.Applied())
}

func printRollbackResult(r *stagehand.RollbackResult) {
	for _, o := range r.Outcomes {
		log.Printf("%s: %s\n", o.Name, o.Status)
	}
	log.Printf("rolled back to batch %d (%d undone)\n", r.Target, len(r.Outcomes))
}

// createCmd scaffolds the next migration file in dir, with both section
// markers already in place.
func createCmd(dir, name string, seqDigits int, print bool) error {
	dir = filepath.Clean(dir)

	matches, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}

	sequence, err := nextSequence(matches, seqDigits)
	if err != nil {
		return err
	}

	filename := filepath.Join(dir, fmt.Sprintf("%s_%s.sql", sequence, name))

	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return err
	}

	body := fmt.Sprintf("%s\n\n\n%s\n\n", catalog.ForwardMarker, catalog.RollbackMarker)
	if err := os.WriteFile(filename, []byte(body), 0o644); err != nil {
		return err
	}
	if print {
		log.Println(filename)
	}
	return nil
}

// nextSequence returns the zero padded successor of the highest well-formed
// sequence among matches, starting from 1 on an empty directory.
func nextSequence(matches []string, seqDigits int) (string, error) {
	if seqDigits <= 0 {
		return "", errInvalidSequenceWidth
	}

	var next int64 = 1
	for _, match := range matches {
		base := filepath.Base(match)
		idx := strings.Index(base, "_")
		if idx < 1 {
			continue
		}
		seq, err := strconv.ParseInt(base[:idx], 10, 64)
		if err != nil {
			continue
		}
		if seq+1 > next {
			next = seq + 1
		}
	}

	sequence := fmt.Sprintf("%0[2]*[1]d", next, seqDigits)
	if len(sequence) > seqDigits {
		return "", fmt.Errorf("next sequence number %s too large, at most %d digits are allowed", sequence, seqDigits)
	}
	return sequence, nil
}
