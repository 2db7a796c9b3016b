// Package servicecontext assembles every shared resource the service
// needs into one explicit struct built once in cmd/server/main.go, per
// spec.md §9's Design Notes: "Singletons (metric registry, wallet
// caches, circuit breakers) become explicit context objects threaded
// through constructors; global mutable state is replaced by a
// process-wide context assembled once in main." The shared resources
// below live on Context rather than in package-level variables.
package servicecontext

import (
	"sync/atomic"
	"time"

	log "github.com/inconshreveable/log15"
	"gorm.io/gorm"

	"github.com/liteseed/turbo-upload-service/breaker"
	"github.com/liteseed/turbo-upload-service/bundlequeue"
	"github.com/liteseed/turbo-upload-service/cache"
	"github.com/liteseed/turbo-upload-service/config"
	"github.com/liteseed/turbo-upload-service/gateway"
	"github.com/liteseed/turbo-upload-service/payment"
	"github.com/liteseed/turbo-upload-service/signer"
	"github.com/liteseed/turbo-upload-service/verifier"
)

// walletCache holds a wallet plus the timestamp it was loaded, giving
// the 60-minute TTL spec.md §5 requires for the service/optical wallet
// singletons without ever reaching for a package-level global.
type walletCache struct {
	wallet    *signer.Signer
	loadedAt  time.Time
	ttl       time.Duration
	loadFn    func() (*signer.Signer, error)
}

func newWalletCache(ttl time.Duration, loadFn func() (*signer.Signer, error)) *walletCache {
	return &walletCache{ttl: ttl, loadFn: loadFn}
}

// Get returns the cached wallet, reloading it if the TTL has elapsed.
func (w *walletCache) Get() (*signer.Signer, error) {
	if w.wallet != nil && time.Since(w.loadedAt) < w.ttl {
		return w.wallet, nil
	}
	wallet, err := w.loadFn()
	if err != nil {
		return nil, err
	}
	w.wallet = wallet
	w.loadedAt = time.Now()
	return wallet, nil
}

// Metrics holds the shared atomic counters spec.md §5 calls out
// ("Metric counters are shared atomics").
type Metrics struct {
	UploadsAccepted      int64
	UploadsRejected      int64
	SoftEnqueueFailures  int64
	UncaughtExceptions   int64
	BreakerStateChanges  int64
}

func (m *Metrics) IncUploadsAccepted()     { atomic.AddInt64(&m.UploadsAccepted, 1) }
func (m *Metrics) IncUploadsRejected()     { atomic.AddInt64(&m.UploadsRejected, 1) }
func (m *Metrics) IncSoftEnqueueFailures()  { atomic.AddInt64(&m.SoftEnqueueFailures, 1) }
func (m *Metrics) IncUncaughtExceptions()   { atomic.AddInt64(&m.UncaughtExceptions, 1) }
func (m *Metrics) IncBreakerStateChanges()  { atomic.AddInt64(&m.BreakerStateChanges, 1) }

// Context is the process-wide assembly of every shared resource. It is
// built exactly once in main and threaded through every constructor
// that needs one of its fields; nothing here is a package-level var.
type Context struct {
	Config config.Config

	serviceWallet *walletCache
	opticalWallet *walletCache

	Metrics *Metrics

	InFlight      *cache.InFlightSet
	StatusCache   *cache.StatusCache

	FilesystemBreaker *breaker.Breaker
	DatabaseBreaker   *breaker.Breaker

	VerifierPool *verifier.Pool

	Gateway    *gateway.Client
	Payment    payment.Service
	BundleQueue bundlequeue.Dispatcher

	DB *gorm.DB

	Logger log.Logger
}

// Params bundles the few inputs a caller must supply beyond config.Load();
// everything else is constructed internally.
type Params struct {
	Config        config.Config
	DB            *gorm.DB
	Payment       payment.Service
	BundleQueue   bundlequeue.Dispatcher
	LoadServiceWallet func() (*signer.Signer, error)
	LoadOpticalWallet func() (*signer.Signer, error)
}

// New assembles a Context. Wallet TTL is fixed at 60 minutes per
// spec.md §5.
func New(p Params) (*Context, error) {
	inFlight, err := cache.NewInFlightSet()
	if err != nil {
		return nil, err
	}
	statusCache, err := cache.NewStatusCache()
	if err != nil {
		return nil, err
	}

	verifierPool, err := verifier.NewPool(p.Config.VerifierPoolSize)
	if err != nil {
		return nil, err
	}

	logger := log.New("component", "turbo-upload-service")
	metrics := &Metrics{}

	breakerCfg := breaker.DefaultConfig()
	fsBreaker := breaker.New(breakerCfg)
	dbBreaker := breaker.New(breakerCfg)
	fsBreaker.OnStateChange = func(from, to breaker.State) {
		metrics.IncBreakerStateChanges()
		logger.Warn("filesystem breaker state change", "from", from, "to", to)
	}
	dbBreaker.OnStateChange = func(from, to breaker.State) {
		metrics.IncBreakerStateChanges()
		logger.Warn("database breaker state change", "from", from, "to", to)
	}

	gw := gateway.New(p.Config.ArweaveGatewayURL)

	ctx := &Context{
		Config:            p.Config,
		serviceWallet:     newWalletCache(60*time.Minute, p.LoadServiceWallet),
		opticalWallet:     newWalletCache(60*time.Minute, p.LoadOpticalWallet),
		Metrics:           metrics,
		InFlight:          inFlight,
		StatusCache:       statusCache,
		FilesystemBreaker: fsBreaker,
		DatabaseBreaker:   dbBreaker,
		VerifierPool:      verifierPool,
		Gateway:           gw,
		Payment:           p.Payment,
		BundleQueue:       p.BundleQueue,
		DB:                p.DB,
		Logger:            logger,
	}
	return ctx, nil
}

// ServiceWallet returns the shared service wallet, reloading it if its
// 60-minute TTL has elapsed.
func (c *Context) ServiceWallet() (*signer.Signer, error) {
	return c.serviceWallet.Get()
}

// OpticalWallet returns the shared optical-bridging wallet under the
// same TTL policy.
func (c *Context) OpticalWallet() (*signer.Signer, error) {
	return c.opticalWallet.Get()
}

// Close releases resources that need explicit teardown (the verifier
// worker pool).
func (c *Context) Close() {
	c.VerifierPool.Release()
}
