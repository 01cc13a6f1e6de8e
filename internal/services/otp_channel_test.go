package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel records calls and answers with canned results
type fakeChannel struct {
	name string

	mu          sync.Mutex
	sendErr     error
	verifyErr   error
	verifyOK    bool
	block       bool
	sendCalls   int
	verifyCalls int
	lastCode    string
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, phone, code string) (string, error) {
	f.mu.Lock()
	f.sendCalls++
	f.lastCode = code
	block, err := f.block, f.sendErr
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return f.name + "-req", nil
}

func (f *fakeChannel) Verify(ctx context.Context, phone, code string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	if f.verifyErr != nil {
		return false, f.verifyErr
	}
	return f.verifyOK, nil
}

func (f *fakeChannel) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls, f.verifyCalls
}

func TestFailoverChannel_PrimarySucceeds(t *testing.T) {
	primary := &fakeChannel{name: "msg91"}
	secondary := &fakeChannel{name: "twilio"}
	f := NewFailoverChannel(time.Second, nil, primary, secondary)

	res, err := f.Send(context.Background(), "+919876543210", "123456")
	require.NoError(t, err)
	assert.Equal(t, "msg91", res.Provider)
	assert.Equal(t, "msg91-req", res.RequestID)

	sends, _ := secondary.calls()
	assert.Zero(t, sends)
}

func TestFailoverChannel_FallsBackExactlyOnce(t *testing.T) {
	primary := &fakeChannel{name: "msg91", sendErr: errors.New("connection refused"), verifyErr: errors.New("503")}
	secondary := &fakeChannel{name: "twilio", verifyOK: true}
	f := NewFailoverChannel(time.Second, nil, primary, secondary)

	res, err := f.Send(context.Background(), "+919876543210", "123456")
	require.NoError(t, err)
	assert.Equal(t, "twilio", res.Provider)
	sends, _ := secondary.calls()
	assert.Equal(t, 1, sends)

	vres, err := f.Verify(context.Background(), "+919876543210", "123456", "")
	require.NoError(t, err)
	assert.True(t, vres.Verified)
	assert.Equal(t, "twilio", vres.Provider)
	_, verifies := secondary.calls()
	assert.Equal(t, 1, verifies)
}

func TestFailoverChannel_BothFail(t *testing.T) {
	primary := &fakeChannel{name: "msg91", sendErr: ErrChannelNotConfigured}
	secondary := &fakeChannel{name: "twilio", sendErr: errors.New("auth failed")}
	f := NewFailoverChannel(time.Second, nil, primary, secondary)

	_, err := f.Send(context.Background(), "+919876543210", "123456")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvidersUnavailable)
	assert.ErrorIs(t, err, ErrChannelNotConfigured, "per-provider causes are kept")
	assert.Contains(t, err.Error(), "twilio: auth failed")
}

func TestFailoverChannel_WrongCodeDoesNotFallBack(t *testing.T) {
	primary := &fakeChannel{name: "msg91", verifyOK: false}
	secondary := &fakeChannel{name: "twilio", verifyOK: true}
	f := NewFailoverChannel(time.Second, nil, primary, secondary)

	res, err := f.Verify(context.Background(), "+919876543210", "000000", "")
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.Equal(t, "msg91", res.Provider)
	_, verifies := secondary.calls()
	assert.Zero(t, verifies)
}

func TestFailoverChannel_VerifyPrefersSender(t *testing.T) {
	primary := &fakeChannel{name: "msg91", verifyOK: false}
	secondary := &fakeChannel{name: "twilio", verifyOK: true}
	f := NewFailoverChannel(time.Second, nil, primary, secondary)

	res, err := f.Verify(context.Background(), "+919876543210", "123456", "twilio")
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, "twilio", res.Provider)
	_, verifies := primary.calls()
	assert.Zero(t, verifies)
}

func TestFailoverChannel_IssuerDownIsNotAWrongCode(t *testing.T) {
	primary := &fakeChannel{name: "msg91", verifyErr: errors.New("503")}
	secondary := &fakeChannel{name: "twilio", verifyOK: false}
	f := NewFailoverChannel(time.Second, nil, primary, secondary)

	_, err := f.Verify(context.Background(), "+919876543210", "123456", "msg91")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvidersUnavailable)
	assert.ErrorIs(t, err, errNotIssuer)
	_, verifies := secondary.calls()
	assert.Equal(t, 1, verifies)
}

func TestFailoverChannel_AttemptTimeout(t *testing.T) {
	primary := &fakeChannel{name: "msg91", block: true}
	secondary := &fakeChannel{name: "twilio"}
	f := NewFailoverChannel(50*time.Millisecond, nil, primary, secondary)

	start := time.Now()
	res, err := f.Send(context.Background(), "+919876543210", "123456")
	require.NoError(t, err)
	assert.Equal(t, "twilio", res.Provider)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFailoverChannel_Providers(t *testing.T) {
	f := NewFailoverChannel(time.Second, nil, &fakeChannel{name: "msg91"}, &fakeChannel{name: "twilio"})
	assert.Equal(t, []string{"msg91", "twilio"}, f.Providers())
}
