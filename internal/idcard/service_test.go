package idcard

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"math/big"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cortex-x/go-eid-card-service/internal/domain"
	"github.com/cortex-x/go-eid-card-service/internal/metrics"
	"github.com/cortex-x/go-eid-card-service/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	statuses []domain.ReaderStatus
}

func (f *fakeReader) Status(ctx context.Context) <-chan domain.ReaderStatus {
	ch := make(chan domain.ReaderStatus, len(f.statuses))
	for _, s := range f.statuses {
		ch <- s
	}
	close(ch)
	return ch
}

// slowToken holds CalculateSignature until release is closed
type slowToken struct {
	*testutil.Token
	entered chan struct{}
	release chan struct{}
}

func (s *slowToken) CalculateSignature(pin2, digest []byte, ecc bool) ([]byte, error) {
	close(s.entered)
	<-s.release
	return s.Token.CalculateSignature(pin2, digest, ecc)
}

func collect(t *testing.T, ch <-chan DataResponse) []DataResponse {
	t.Helper()
	var res []DataResponse
	timeout := time.After(5 * time.Second)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return res
			}
			res = append(res, r)
		case <-timeout:
			t.Fatal("timeout waiting for responses")
		}
	}
}

func TestService_Data(t *testing.T) {
	token := testutil.NewToken(t, testutil.EC, testutil.EC, "ESTEID")
	reinserted := testutil.NewToken(t, testutil.RSA, testutil.RSA, "ESTEID")
	reader := &fakeReader{statuses: []domain.ReaderStatus{
		{State: domain.ReaderStateNoReader},
		{State: domain.ReaderStateNoReader},
		{State: domain.ReaderStateReaderDetected, Reader: "r1"},
		{State: domain.ReaderStateCardDetected, Reader: "r1"},
		{State: domain.ReaderStateCardReady, Reader: "r1", Token: token},
		{State: domain.ReaderStateCardReady, Reader: "r1", Token: token},
		{State: domain.ReaderStateReaderDetected, Reader: "r1"},
		{State: domain.ReaderStateCardDetected, Reader: "r1"},
		{State: domain.ReaderStateCardReady, Reader: "r1", Token: reinserted},
	}}

	s := NewService(reader, nil)
	res := collect(t, s.Data(context.Background()))

	var states []domain.ReaderState
	for _, r := range res {
		states = append(states, r.State)
	}
	assert.Equal(t, []domain.ReaderState{
		domain.ReaderStateNoReader,
		domain.ReaderStateReaderDetected,
		domain.ReaderStateCardDetected,
		domain.ReaderStateCardReady,
		domain.ReaderStateReaderDetected,
		domain.ReaderStateCardDetected,
		domain.ReaderStateCardReady,
	}, states)

	ready := res[3]
	require.NoError(t, ready.Err)
	assert.Equal(t, token, ready.Token)
	assert.Equal(t, token.Auth.Certificate, ready.Data.AuthCertificate.Data)
	assert.Nil(t, res[2].Data)

	assert.Equal(t, reinserted.Auth.Certificate, res[6].Data.AuthCertificate.Data)
}

func TestService_Data_UnsupportedCard(t *testing.T) {
	reader := &fakeReader{statuses: []domain.ReaderStatus{
		{State: domain.ReaderStateReaderDetected, Reader: "r1"},
		{State: domain.ReaderStateCardDetected, Reader: "r1", Err: errors.Wrap(domain.ErrUnsupportedCard, "applet not found")},
		{State: domain.ReaderStateCardDetected, Reader: "r1", Err: errors.Wrap(domain.ErrUnsupportedCard, "applet not found")},
		{State: domain.ReaderStateReaderDetected, Reader: "r1"},
	}}

	res := collect(t, NewService(reader, nil).Data(context.Background()))
	require.Len(t, res, 3)
	assert.ErrorIs(t, res[1].Err, domain.ErrUnsupportedCard)
	assert.Nil(t, res[1].Token)
	assert.NoError(t, res[2].Err)
}

func TestService_Data_ReadError(t *testing.T) {
	token := testutil.NewToken(t, testutil.EC, testutil.EC, "ESTEID")
	token.Remove()
	reader := &fakeReader{statuses: []domain.ReaderStatus{
		{State: domain.ReaderStateCardReady, Reader: "r1", Token: token},
	}}

	res := collect(t, NewService(reader, nil).Data(context.Background()))
	require.Len(t, res, 1)
	assert.Error(t, res[0].Err)
	assert.Nil(t, res[0].Data)
}

func TestService_CalculateSignature(t *testing.T) {
	ctx := context.Background()
	token := testutil.NewToken(t, testutil.RSA, testutil.EC, "ESTEID")
	s := NewService(&fakeReader{}, nil)

	data, err := s.Snapshot(ctx, token)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("container"))
	sig, err := s.CalculateSignature(ctx, token, data.SignCertificate, testutil.PIN2, digest[:])
	require.NoError(t, err)
	half := len(sig) / 2
	assert.True(t, ecdsa.Verify(&token.Sign.ECKey().PublicKey, digest[:],
		new(big.Int).SetBytes(sig[:half]), new(big.Int).SetBytes(sig[half:])))

	_, err = s.CalculateSignature(ctx, token, data.SignCertificate, "11111", digest[:])
	var pve *domain.PinVerificationError
	require.True(t, errors.As(err, &pve))
	assert.False(t, pve.Stale)
	assert.Equal(t, 2, pve.Data.PIN2RetryCounter)
	assert.False(t, domain.IsLockedOut(err))
}

func TestService_CalculateSignature_LockedOut(t *testing.T) {
	ctx := context.Background()
	token := testutil.NewToken(t, testutil.EC, testutil.EC, "ESTEID")
	s := NewService(&fakeReader{}, nil)
	data, err := s.Snapshot(ctx, token)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = s.CalculateSignature(ctx, token, data.SignCertificate, "00000", make([]byte, 32))
		require.Error(t, err)
	}
	assert.True(t, domain.IsLockedOut(err))

	_, err = s.CalculateSignature(ctx, token, data.SignCertificate, testutil.PIN2, make([]byte, 32))
	assert.True(t, domain.IsLockedOut(err))
	counter, ok := domain.RetryCounter(err)
	assert.True(t, ok)
	assert.Equal(t, 0, counter)
}

func TestService_EditAndUnblockPin(t *testing.T) {
	ctx := context.Background()
	token := testutil.NewToken(t, testutil.EC, testutil.EC, "ESTEID")
	s := NewService(&fakeReader{}, nil)

	_, err := s.EditPin(ctx, token, domain.CodeTypePIN1, "9999", "4321")
	counter, ok := domain.RetryCounter(err)
	require.True(t, ok)
	assert.Equal(t, 2, counter)

	data, err := s.EditPin(ctx, token, domain.CodeTypePIN1, testutil.PIN1, "4321")
	require.NoError(t, err)
	assert.Equal(t, 3, data.PIN1RetryCounter)

	data, err = s.UnblockPin(ctx, token, domain.CodeTypePIN1, testutil.PUK, "5678")
	require.NoError(t, err)
	assert.Equal(t, 3, data.PIN1RetryCounter)
	assert.Equal(t, 3, data.PUKRetryCounter)

	_, err = s.UnblockPin(ctx, token, domain.CodeTypePIN2, "00000000", "5678")
	var cve *domain.CodeVerificationError
	require.True(t, errors.As(err, &cve))
	assert.Equal(t, domain.CodeTypePUK, cve.Code)
}

func TestService_UnblockPin_PUKLockedOut(t *testing.T) {
	ctx := context.Background()
	token := testutil.NewToken(t, testutil.EC, testutil.EC, "ESTEID")
	s := NewService(&fakeReader{}, nil)

	var err error
	for i := 0; i < 3; i++ {
		_, err = s.UnblockPin(ctx, token, domain.CodeTypePIN1, "00000000", "4321")
		require.Error(t, err)
	}
	var pve *domain.PinVerificationError
	require.True(t, errors.As(err, &pve))
	assert.Equal(t, 0, pve.Data.PUKRetryCounter)
	assert.True(t, domain.IsLockedOut(err))

	_, err = s.UnblockPin(ctx, token, domain.CodeTypePIN1, testutil.PUK, "4321")
	assert.True(t, domain.IsLockedOut(err))
	counter, ok := domain.RetryCounter(err)
	assert.True(t, ok)
	assert.Equal(t, 0, counter)

	_, err = s.EditPin(ctx, token, domain.CodeTypePIN1, testutil.PIN1, "5678")
	assert.NoError(t, err, "PIN1 was not changed by the failed unblock")
}

func TestService_Decrypt(t *testing.T) {
	ctx := context.Background()
	token := testutil.NewToken(t, testutil.EC, testutil.EC, "ESTEID")
	s := NewService(&fakeReader{}, nil)

	files, err := s.Decrypt(ctx, token, encryptFor(t, token.Auth.Certificate), testutil.PIN1, t.TempDir())
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestService_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	token := testutil.NewToken(t, testutil.EC, testutil.EC, "ESTEID")
	s := NewService(&fakeReader{}, nil)

	_, err := s.Decrypt(ctx, token, bytes.NewReader(nil), testutil.PIN1, t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, token.DecryptCalls())
}

func TestService_CancelledDuringSignature(t *testing.T) {
	token := &slowToken{
		Token:   testutil.NewToken(t, testutil.EC, testutil.EC, "ESTEID"),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	m := metrics.NewWithRegisterer(prometheus.NewRegistry())
	s := NewService(&fakeReader{}, m)
	data, err := s.Snapshot(context.Background(), token)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := s.CalculateSignature(ctx, token, data.SignCertificate, "00000", make([]byte, 32))
		result <- err
	}()

	<-token.entered
	cancel()
	select {
	case err = <-result:
		t.Fatalf("returned before the card call finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(token.release)

	select {
	case err = <-result:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
	counter, ok := domain.RetryCounter(err)
	require.True(t, ok, "verification failure is reported: %v", err)
	assert.Equal(t, 2, counter)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.VerificationFailures.WithLabelValues(domain.CodeTypePIN2.String())))

	// the next operation sees the decremented counter
	snapshot, err := s.Snapshot(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, 2, snapshot.PIN2RetryCounter)
}
