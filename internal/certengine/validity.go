package certengine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"devbridge/internal/certtool"
)

// checkEnder is implemented by tooling that has its own "expires within"
// test, such as openssl's -checkend.
type checkEnder interface {
	CheckEnd(ctx context.Context, certPath string, window time.Duration) error
}

// validityChecker decides whether a certificate on disk is still usable.
type validityChecker struct {
	tool   certtool.Tooling
	window time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// check fails if the certificate is missing, already expired, or expires
// within the window.
func (v *validityChecker) check(ctx context.Context, certPath string) error {
	if !fileExists(certPath) {
		return fmt.Errorf("%s does not exist", certPath)
	}

	if ce, ok := v.tool.(checkEnder); ok {
		err := ce.CheckEnd(ctx, certPath, v.window)
		if err == nil {
			return nil
		}
		// -checkend is not trusted alone; confirm by parsing the date.
		v.logger.Warn("certificate may expire soon, checking end date",
			zap.String("path", certPath), zap.Error(err))
	}

	notAfter, err := v.tool.ReadExpiry(ctx, certPath)
	if err != nil {
		return fmt.Errorf("read expiry of %s, assuming it has expired: %w", certPath, err)
	}
	if !notAfter.After(v.now().Add(v.window)) {
		return fmt.Errorf("%s has expired or will expire within %s (not after %s)",
			certPath, v.window, notAfter.UTC().Format(time.RFC3339))
	}
	return nil
}
