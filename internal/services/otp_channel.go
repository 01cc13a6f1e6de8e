package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/rentpe/rentpe-backend/internal/metrics"
	"github.com/rentpe/rentpe-backend/internal/utils"
)

// OTPChannel sends and checks one-time codes through one SMS vendor.
// Verify returns false with a nil error when the vendor says the code is wrong.
type OTPChannel interface {
	Name() string
	Send(ctx context.Context, phone, code string) (requestID string, err error)
	Verify(ctx context.Context, phone, code string) (bool, error)
}

// SendResult reports which provider delivered a code
type SendResult struct {
	RequestID string
	Provider  string
}

// VerifyResult reports the provider's answer for a code
type VerifyResult struct {
	Verified bool
	Provider string
}

// FailoverChannel tries its channels in order until one answers
type FailoverChannel struct {
	channels       []OTPChannel
	attemptTimeout time.Duration
	metrics        *metrics.Metrics
}

// NewFailoverChannel creates a failover over channels, primary first.
// Each attempt gets attemptTimeout; all attempts share a budget of
// attemptTimeout times the number of channels.
func NewFailoverChannel(attemptTimeout time.Duration, m *metrics.Metrics, channels ...OTPChannel) *FailoverChannel {
	return &FailoverChannel{channels: channels, attemptTimeout: attemptTimeout, metrics: m}
}

// Send delivers code through the first channel that accepts it
func (f *FailoverChannel) Send(ctx context.Context, phone, code string) (SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.attemptTimeout*time.Duration(len(f.channels)))
	defer cancel()

	var errs []error
	for i, ch := range f.channels {
		if i > 0 {
			f.metrics.OTPFallback()
		}

		attemptCtx, cancelAttempt := context.WithTimeout(ctx, f.attemptTimeout)
		start := time.Now()
		requestID, err := ch.Send(attemptCtx, phone, code)
		cancelAttempt()
		f.metrics.ProviderLatency(ch.Name(), "send", time.Since(start).Seconds())

		if err == nil {
			f.metrics.OTPSend(ch.Name(), "ok")
			return SendResult{RequestID: requestID, Provider: ch.Name()}, nil
		}

		f.metrics.OTPSend(ch.Name(), "error")
		log.Printf("⚠️  OTP send via %s failed for %s: %v", ch.Name(), utils.MaskPhone(phone), err)
		errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return SendResult{}, unavailable(errs)
}

// Verify checks code, trying preferred first when it names one of the channels.
// A "wrong code" answer is returned as is and does not move on to the next channel.
// When preferred issued the code, only it may reject it: a rejection from
// another channel counts as a failed attempt.
func (f *FailoverChannel) Verify(ctx context.Context, phone, code, preferred string) (VerifyResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.attemptTimeout*time.Duration(len(f.channels)))
	defer cancel()

	issuerKnown := f.has(preferred)
	var errs []error
	for i, ch := range f.ordered(preferred) {
		if i > 0 {
			f.metrics.OTPFallback()
		}

		attemptCtx, cancelAttempt := context.WithTimeout(ctx, f.attemptTimeout)
		start := time.Now()
		verified, err := ch.Verify(attemptCtx, phone, code)
		cancelAttempt()
		f.metrics.ProviderLatency(ch.Name(), "verify", time.Since(start).Seconds())

		if err == nil && !verified && issuerKnown && ch.Name() != preferred {
			err = errNotIssuer
		}
		if err == nil {
			outcome := "rejected"
			if verified {
				outcome = "verified"
			}
			f.metrics.OTPVerification(ch.Name(), outcome)
			return VerifyResult{Verified: verified, Provider: ch.Name()}, nil
		}

		f.metrics.OTPVerification(ch.Name(), "error")
		log.Printf("⚠️  OTP verify via %s failed for %s: %v", ch.Name(), utils.MaskPhone(phone), err)
		errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return VerifyResult{}, unavailable(errs)
}

func (f *FailoverChannel) has(name string) bool {
	for _, ch := range f.channels {
		if ch.Name() == name {
			return true
		}
	}
	return false
}

// Providers lists the channel names in failover order
func (f *FailoverChannel) Providers() []string {
	names := make([]string, len(f.channels))
	for i, ch := range f.channels {
		names[i] = ch.Name()
	}
	return names
}

func (f *FailoverChannel) ordered(preferred string) []OTPChannel {
	if preferred == "" {
		return f.channels
	}
	out := make([]OTPChannel, 0, len(f.channels))
	for _, ch := range f.channels {
		if ch.Name() == preferred {
			out = append(out, ch)
		}
	}
	for _, ch := range f.channels {
		if ch.Name() != preferred {
			out = append(out, ch)
		}
	}
	return out
}

func unavailable(errs []error) error {
	return errors.Join(append([]error{ErrProvidersUnavailable}, errs...)...)
}
