package upload

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liteseed/turbo-upload-service/bundlequeue"
	"github.com/liteseed/turbo-upload-service/config"
	"github.com/liteseed/turbo-upload-service/crypto"
	"github.com/liteseed/turbo-upload-service/servicecontext"
	"github.com/liteseed/turbo-upload-service/signer"
	"github.com/liteseed/turbo-upload-service/tag"
	"github.com/liteseed/turbo-upload-service/uploaderr"
)

// buildSignedItem assembles a valid ANS-104 envelope signed for real with
// an ed25519 key, mirroring verifier_test.go's own builder so the
// state-machine tests exercise the actual streaming/signature pipeline
// rather than a stubbed verifier.
func buildSignedItem(t *testing.T, tags []tag.Tag, payload []byte) (raw []byte, pub ed25519.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	rawTags, err := tag.Serialize(&tags)
	require.NoError(t, err)

	digest := crypto.DeepHash([][]byte{
		[]byte("dataitem"), []byte("1"), []byte("2"),
		[]byte(pub), nil, nil, rawTags, payload,
	})
	signature := ed25519.Sign(priv, digest[:])

	raw = make([]byte, 0)
	raw = binary.LittleEndian.AppendUint16(raw, crypto.SignatureTypeEd25519)
	raw = append(raw, signature...)
	raw = append(raw, pub...)
	raw = append(raw, 0) // no target
	raw = append(raw, 0) // no anchor

	numTags := make([]byte, 8)
	binary.LittleEndian.PutUint64(numTags, uint64(len(tags)))
	raw = append(raw, numTags...)

	tagBytesLen := make([]byte, 8)
	binary.LittleEndian.PutUint64(tagBytesLen, uint64(len(rawTags)))
	raw = append(raw, tagBytesLen...)
	raw = append(raw, rawTags...)
	raw = append(raw, payload...)
	return raw, pub
}

// fakePayment is an in-memory payment.Service double with counters so
// tests can assert exactly-once reserve/refund/approve behavior across
// every compensation branch.
type fakePayment struct {
	mu sync.Mutex

	checkResult bool
	checkErr    error
	reserveErr  error

	checks   int
	reserves int
	refunds  int
	approves int

	refundedIDs []string
}

func (f *fakePayment) Check(nativeAddress string, wincPrice int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return f.checkResult, f.checkErr
}

func (f *fakePayment) Reserve(nativeAddress string, wincPrice int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserves++
	if f.reserveErr != nil {
		return "", f.reserveErr
	}
	return "reservation-1", nil
}

func (f *fakePayment) Refund(reservationID string, reservedAmount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds++
	f.refundedIDs = append(f.refundedIDs, reservationID)
	return nil
}

func (f *fakePayment) Approve(reservationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approves++
	return nil
}

// noopDispatcher discards soft-enqueue jobs, matching bundlequeue's own
// LogDispatcher without the log noise.
type noopDispatcher struct{}

func (noopDispatcher) Enqueue(job bundlequeue.Job) error { return nil }

var testSignerOnce sync.Once
var cachedTestSigner *signer.Signer

// testSigner generates one RSA wallet and reuses it across every test in
// this file: RSA-4096 keygen is expensive enough that paying for it once
// per file, not once per test, keeps the suite fast.
func testSigner(t *testing.T) *signer.Signer {
	t.Helper()
	testSignerOnce.Do(func() {
		s, err := signer.New()
		require.NoError(t, err)
		cachedTestSigner = s
	})
	return cachedTestSigner
}

// objectStoreStub serves a minimal single-PUT object store: PUT stores
// the body, HEAD reports whether it has been stored yet.
func objectStoreStub() *httptest.Server {
	var mu sync.Mutex
	stored := map[string]bool{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			stored[r.URL.Path] = true
			w.WriteHeader(http.StatusOK)
		case http.MethodHead:
			if stored[r.URL.Path] {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
}

// testContext assembles a real servicecontext.Context against an in-test
// object store, a local EFS mount, and a fast-failing unreachable gateway
// (the receipt deadline height is best-effort and degrades gracefully on
// error, matching Process's own fallback).
func testContext(t *testing.T, payment *fakePayment) (*servicecontext.Context, func()) {
	t.Helper()

	objStore := objectStoreStub()
	mount := t.TempDir()
	wallet := testSigner(t)

	cfg := config.Config{
		EFSMountPoint:     mount,
		InlineThreshold:   10 * 1024,
		MaxDataItemSize:   10 * 1024 * 1024,
		SpammerContentLen: 100372,
		AWSEndpoint:       objStore.URL,
		ObjectStoreBucket: "turbo-uploads",
		ArweaveGatewayURL: "http://127.0.0.1:1", // unreachable: exercises the degrade-gracefully path
		ReceiptVersion:    "v0.2",
		VerifierPoolSize:  2,
	}

	ctx, err := servicecontext.New(servicecontext.Params{
		Config:      cfg,
		Payment:     payment,
		BundleQueue: noopDispatcher{},
		LoadServiceWallet: func() (*signer.Signer, error) { return wallet, nil },
		LoadOpticalWallet: func() (*signer.Signer, error) { return wallet, nil },
	})
	require.NoError(t, err)

	return ctx, func() { ctx.Close(); objStore.Close() }
}

func TestProcessAcceptsValidDataItemAndReturnsSignedReceipt(t *testing.T) {
	payment := &fakePayment{checkResult: true}
	ctx, cleanup := testContext(t, payment)
	defer cleanup()

	raw, _ := buildSignedItem(t, []tag.Tag{{Name: "Content-Type", Value: "text/plain"}}, []byte("hello world"))

	m := NewSingleShotMachine(ctx)
	receipt, err := m.Process(Request{
		ContentLength: int64(len(raw)),
		ContentType:   "application/octet-stream",
		Body:          bytes.NewReader(raw),
	})
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.NotEmpty(t, receipt.ID)
	assert.NotEmpty(t, receipt.Signature)
	assert.Equal(t, 1, payment.checks)
	assert.Equal(t, 1, payment.reserves)
	assert.Equal(t, 0, payment.refunds, "a successful upload never refunds its reservation")
}

func TestProcessRejectsDuplicateInFlightUpload(t *testing.T) {
	payment := &fakePayment{checkResult: true}
	ctx, cleanup := testContext(t, payment)
	defer cleanup()

	raw, _ := buildSignedItem(t, nil, []byte("duplicate me"))
	m := NewSingleShotMachine(ctx)

	// Hold the in-flight slot directly, simulating a concurrent upload of
	// the same data item id that is still being streamed.
	v, err := newHeaderOnlyVerifier(t, raw)
	require.NoError(t, err)
	require.True(t, ctx.InFlight.TryAcquire(v.id))
	defer ctx.InFlight.Release(v.id)

	_, err = m.Process(Request{
		ContentLength: int64(len(raw)),
		ContentType:   "application/octet-stream",
		Body:          bytes.NewReader(raw),
	})
	require.Error(t, err)
	kind, ok := uploaderr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, uploaderr.KindDuplicate, kind)
}

func TestProcessRejectsInsufficientBalanceAndReleasesInFlight(t *testing.T) {
	payment := &fakePayment{checkResult: false}
	ctx, cleanup := testContext(t, payment)
	defer cleanup()

	raw, _ := buildSignedItem(t, nil, []byte("not enough winc"))
	m := NewSingleShotMachine(ctx)

	_, err := m.Process(Request{
		ContentLength: int64(len(raw)),
		ContentType:   "application/octet-stream",
		Body:          bytes.NewReader(raw),
	})
	require.Error(t, err)
	kind, ok := uploaderr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, uploaderr.KindCapacity, kind)
	assert.Equal(t, 0, payment.reserves, "capacity rejection happens before any reservation is attempted")

	v, err2 := newHeaderOnlyVerifier(t, raw)
	require.NoError(t, err2)
	assert.True(t, ctx.InFlight.TryAcquire(v.id), "in-flight slot must be released on rejection")
}

func TestProcessPropagatesTransientBalanceCheckError(t *testing.T) {
	payment := &fakePayment{checkErr: uploaderr.Transient("payment service unreachable", nil)}
	ctx, cleanup := testContext(t, payment)
	defer cleanup()

	raw, _ := buildSignedItem(t, nil, []byte("payment is down"))
	m := NewSingleShotMachine(ctx)

	_, err := m.Process(Request{
		ContentLength: int64(len(raw)),
		ContentType:   "application/octet-stream",
		Body:          bytes.NewReader(raw),
	})
	require.Error(t, err)
	kind, ok := uploaderr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, uploaderr.KindTransient, kind)
	assert.Equal(t, 0, payment.reserves)
}

func TestProcessQuarantinesInvalidSignature(t *testing.T) {
	payment := &fakePayment{checkResult: true}
	ctx, cleanup := testContext(t, payment)
	defer cleanup()

	raw, _ := buildSignedItem(t, nil, []byte("tampered payload"))
	raw[2] ^= 0xFF // flip a byte inside the signature field

	m := NewSingleShotMachine(ctx)
	_, err := m.Process(Request{
		ContentLength: int64(len(raw)),
		ContentType:   "application/octet-stream",
		Body:          bytes.NewReader(raw),
	})
	require.Error(t, err)
	kind, ok := uploaderr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, uploaderr.KindValidation, kind)
	assert.Equal(t, 0, payment.reserves, "an invalid signature is rejected before any balance reservation")
}

func TestProcessRejectsBlocklistedOwner(t *testing.T) {
	payment := &fakePayment{checkResult: true}
	ctx, cleanup := testContext(t, payment)
	raw, pub := buildSignedItem(t, nil, []byte("from a blocklisted wallet"))
	ctx.Config.BlocklistedAddresses = []string{crypto.Base64URLEncode(crypto.SHA256(pub))}
	defer cleanup()

	m := NewSingleShotMachine(ctx)
	_, err := m.Process(Request{
		ContentLength: int64(len(raw)),
		ContentType:   "application/octet-stream",
		Body:          bytes.NewReader(raw),
	})
	require.Error(t, err)
	kind, ok := uploaderr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, uploaderr.KindPolicy, kind)
	assert.Equal(t, 0, payment.reserves)
}

func TestProcessRejectsKnownSpamContentLength(t *testing.T) {
	payment := &fakePayment{checkResult: true}
	ctx, cleanup := testContext(t, payment)
	defer cleanup()

	m := NewSingleShotMachine(ctx)
	_, err := m.Process(Request{
		ContentLength: ctx.Config.SpammerContentLen,
		ContentType:   "application/octet-stream",
		Body:          bytes.NewReader(make([]byte, ctx.Config.SpammerContentLen)),
	})
	require.Error(t, err)
	kind, ok := uploaderr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, uploaderr.KindPolicy, kind)
}

func TestProcessRefundsWhenReceiptSigningFails(t *testing.T) {
	payment := &fakePayment{checkResult: true}
	ctx, cleanup := testContext(t, payment)
	defer cleanup()

	// Force ServiceWallet() to fail by handing it a load function that
	// always errors, simulating a wallet-cache miss during the Signed step.
	ctx2, err := servicecontext.New(servicecontext.Params{
		Config:      ctx.Config,
		Payment:     payment,
		BundleQueue: noopDispatcher{},
		LoadServiceWallet: func() (*signer.Signer, error) { return nil, assertErr },
		LoadOpticalWallet: func() (*signer.Signer, error) { return nil, assertErr },
	})
	require.NoError(t, err)
	defer ctx2.Close()

	raw, _ := buildSignedItem(t, nil, []byte("wallet unavailable"))
	m := NewSingleShotMachine(ctx2)
	_, err = m.Process(Request{
		ContentLength: int64(len(raw)),
		ContentType:   "application/octet-stream",
		Body:          bytes.NewReader(raw),
	})
	require.Error(t, err)
	kind, ok := uploaderr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, uploaderr.KindTransient, kind)
	assert.Equal(t, 1, payment.reserves)
	assert.Equal(t, 1, payment.refunds, "a failure after reservation but before a receipt must refund exactly once")
}

func TestProcessRejectsOversizedContentLength(t *testing.T) {
	payment := &fakePayment{checkResult: true}
	ctx, cleanup := testContext(t, payment)
	defer cleanup()

	m := NewSingleShotMachine(ctx)
	_, err := m.Process(Request{
		ContentLength: ctx.Config.MaxDataItemSize + 1,
		ContentType:   "application/octet-stream",
		Body:          bytes.NewReader(nil),
	})
	require.Error(t, err)
	kind, ok := uploaderr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, uploaderr.KindValidation, kind)
	assert.Equal(t, 0, payment.checks)
}

var assertErr = &simpleErr{"wallet load failed"}

type simpleErr struct{ msg string }

func (e *simpleErr) Error() string { return e.msg }

// headerOnlyVerifier captures just the id a header-complete event yields,
// used by tests that need to know a data item's id ahead of driving it
// through Process (to seed or check the in-flight set).
type headerOnlyVerifier struct{ id string }

func newHeaderOnlyVerifier(t *testing.T, raw []byte) (*headerOnlyVerifier, error) {
	t.Helper()
	id, err := reparseHeaderID(raw)
	if err != nil {
		return nil, err
	}
	return &headerOnlyVerifier{id: id}, nil
}
