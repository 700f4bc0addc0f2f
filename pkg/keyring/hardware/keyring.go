// Package hardware implements a keyring backed by a Ledger device. Accounts
// are derived on the device and remembered by their derivation path, every
// signature is checked locally before it is returned.
package hardware

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sethvargo/go-retry"

	"github.com/erc7824/nitrolite/keyring/pkg/hdpath"
	"github.com/erc7824/nitrolite/keyring/pkg/keyring"
	"github.com/erc7824/nitrolite/keyring/pkg/ledger"
	"github.com/erc7824/nitrolite/keyring/pkg/log"
)

const (
	DefaultReconnectAttempts = 50
	DefaultReconnectDelay    = 100 * time.Millisecond

	perPage        = 5
	initialPerType = 3
	ethereumApp    = "Ethereum"
)

var _ keyring.Keyring = (*Keyring)(nil)
var _ keyring.Rejecter = (*Keyring)(nil)

// AccountDetail ties an address to the place it was derived from.
type AccountDetail struct {
	HDPath              string      `json:"hdPath"`
	HDPathType          hdpath.Type `json:"hdPathType,omitempty"`
	HDPathBasePublicKey string      `json:"hdPathBasePublicKey,omitempty"`
	DeviceID            string      `json:"deviceId,omitempty"`
}

// Account is a derived address with its 1-based position.
type Account struct {
	Address common.Address `json:"address"`
	Index   int            `json:"index"`
}

// AccountInfo describes an imported account.
type AccountInfo struct {
	Address             common.Address `json:"address"`
	Index               int            `json:"index"`
	HDPathType          hdpath.Type    `json:"hdPathType"`
	HDPathBasePublicKey string         `json:"hdPathBasePublicKey"`
	DeviceID            string         `json:"deviceId"`
}

type Option func(*Keyring)

func WithLogger(lg log.Logger) Option {
	return func(k *Keyring) { k.lg = lg.Named("hardware") }
}

// WithReconnect bounds the attempts made to open the device.
func WithReconnect(attempts int, delay time.Duration) Option {
	return func(k *Keyring) {
		k.attempts = attempts
		k.delay = delay
	}
}

func WithDeviceID(id string) Option {
	return func(k *Keyring) { k.deviceID = id }
}

// Keyring is the Ledger keyring. Device conversations are serialised by a
// keyring.Guard; state is guarded by mu and never held across device calls.
type Keyring struct {
	open     Opener
	lg       log.Logger
	guard    *keyring.Guard
	attempts int
	delay    time.Duration

	mu        sync.Mutex
	hdPath    string
	accounts  []common.Address
	details   map[common.Address]AccountDetail
	usedTypes map[string]hdpath.Type
	deviceID  string
	page      int
	cursor    int
	dev       Device
}

// New returns an empty keyring using the Legacy derivation scheme.
func New(open Opener, opts ...Option) *Keyring {
	base, _ := hdpath.Base(hdpath.Legacy)
	k := &Keyring{
		open:      open,
		lg:        log.NewNoopLogger(),
		guard:     keyring.NewGuard(),
		attempts:  DefaultReconnectAttempts,
		delay:     DefaultReconnectDelay,
		hdPath:    base,
		details:   map[common.Address]AccountDetail{},
		usedTypes: map[string]hdpath.Type{},
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

func (k *Keyring) Type() keyring.Type { return keyring.TypeHardware }

func (k *Keyring) SetDeviceID(id string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.deviceID = id
}

func (k *Keyring) DeviceID() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.deviceID
}

// SetHDPathType switches the scheme used for new derivations.
func (k *Keyring) SetHDPathType(t hdpath.Type) error {
	base, err := hdpath.Base(t)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.hdPath = base
	return nil
}

func (k *Keyring) HDPathType() hdpath.Type {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, _ := hdpath.TypeForBase(k.hdPath)
	return t
}

// SetAccountToUnlock moves the cursor AddAccounts starts deriving from.
func (k *Keyring) SetAccountToUnlock(index int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.cursor = index
}

// IsUnlocked reports whether a device session is open.
func (k *Keyring) IsUnlocked() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.dev != nil
}

// Reject resolves the device operation in flight with keyring.ErrUserRejected.
func (k *Keyring) Reject(reason string) bool {
	return k.guard.Reject(reason)
}

func (k *Keyring) GetAccounts() []common.Address {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]common.Address(nil), k.accounts...)
}

func (k *Keyring) RemoveAccount(addr common.Address) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	for i, a := range k.accounts {
		if a == addr {
			k.accounts = append(k.accounts[:i], k.accounts[i+1:]...)
			delete(k.details, addr)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", keyring.ErrAccountNotFound, addr.Hex())
}

// ForgetDevice drops every account, used when the device is unpaired.
func (k *Keyring) ForgetDevice() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.accounts = nil
	k.details = map[common.Address]AccountDetail{}
	k.page = 0
	k.cursor = 0
}

func (k *Keyring) ExportAccount(common.Address) (string, error) {
	return "", fmt.Errorf("%w: private keys never leave the device", keyring.ErrUnsupportedOperation)
}

// AccountInfo returns what is known about addr.
func (k *Keyring) AccountInfo(addr common.Address) (AccountInfo, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.accountInfo(addr)
}

func (k *Keyring) accountInfo(addr common.Address) (AccountInfo, bool) {
	d, ok := k.details[addr]
	if !ok {
		return AccountInfo{}, false
	}
	t := d.HDPathType
	if t == "" {
		var err error
		if t, err = hdpath.TypeForPath(d.HDPath); err != nil {
			return AccountInfo{}, false
		}
	}
	idx, err := hdpath.IndexForPath(d.HDPath, t)
	if err != nil {
		return AccountInfo{}, false
	}
	return AccountInfo{
		Address:             addr,
		Index:               idx + 1,
		HDPathType:          d.HDPathType,
		HDPathBasePublicKey: d.HDPathBasePublicKey,
		DeviceID:            d.DeviceID,
	}, true
}

// IndexFromAddress returns the 0-based derivation index of addr.
func (k *Keyring) IndexFromAddress(addr common.Address) (int, error) {
	k.mu.Lock()
	d, ok := k.details[addr]
	k.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", keyring.ErrAccountNotFound, addr.Hex())
	}
	_, idx, err := hdpath.Parse(d.HDPath)
	return idx, err
}

// withDevice runs fn under the guard with an open device session which is
// closed on every exit path. reset closes a leftover session first.
func (k *Keyring) withDevice(ctx context.Context, reset bool, fn func(ctx context.Context, dev Device) error) error {
	return k.guard.Do(ctx, func(ctx context.Context) error {
		dev, err := k.connect(ctx, reset)
		if err != nil {
			return err
		}
		defer k.release()
		return fn(ctx, dev)
	})
}

func (k *Keyring) connect(ctx context.Context, reset bool) (Device, error) {
	if reset {
		k.release()
	}

	k.mu.Lock()
	dev, deviceID := k.dev, k.deviceID
	k.mu.Unlock()
	if dev != nil {
		return dev, nil
	}

	attempt := 0
	backoff := retry.WithMaxRetries(uint64(max(k.attempts-1, 0)), retry.NewConstant(k.delay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		d, err := k.open(ctx, deviceID)
		if err != nil {
			k.lg.Debug("device not reachable", "deviceId", deviceID, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		dev = d
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		k.lg.Warn("giving up on device", "deviceId", deviceID, "attempts", attempt, "error", err)
		return nil, fmt.Errorf("%w: after %d attempts: %v", keyring.ErrDeviceUnreachable, attempt, err)
	}

	k.mu.Lock()
	k.dev = dev
	k.mu.Unlock()
	k.lg.Debug("device session opened", "deviceId", deviceID)
	return dev, nil
}

func (k *Keyring) release() {
	k.mu.Lock()
	dev := k.dev
	k.dev = nil
	k.mu.Unlock()

	if dev == nil {
		return
	}
	if err := dev.Close(); err != nil {
		k.lg.Warn("failed to close device session", "error", err)
		return
	}
	k.lg.Debug("device session closed")
}

func (k *Keyring) basePath() (string, hdpath.Type) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, _ := hdpath.TypeForBase(k.hdPath)
	return k.hdPath, t
}

func (k *Keyring) addressAt(ctx context.Context, dev Device, path string) (common.Address, error) {
	res, err := dev.GetAddress(ctx, path, false, true)
	if err != nil {
		return common.Address{}, deviceError(err)
	}
	return res.Address, nil
}

func basePublicKey(ctx context.Context, dev Device, t hdpath.Type) (string, error) {
	base, err := hdpath.Base(t)
	if err != nil {
		return "", err
	}
	res, err := dev.GetAddress(ctx, base, false, true)
	if err != nil {
		return "", deviceError(err)
	}
	return hex.EncodeToString(res.PublicKey), nil
}

// deviceError maps device refusals onto the keyring taxonomy.
func deviceError(err error) error {
	if ledger.IsUserRejected(err) {
		return fmt.Errorf("%w: %v", keyring.ErrUserRejected, err)
	}
	return err
}

// Unlock returns the device address at path, or at the active base path when
// force is set. Without a path it returns the zero address immediately if a
// session is already open.
func (k *Keyring) Unlock(ctx context.Context, path string, force bool) (common.Address, error) {
	if force {
		path, _ = k.basePath()
	}
	if path == "" {
		if k.IsUnlocked() {
			return common.Address{}, nil
		}
		path, _ = k.basePath()
	}

	var addr common.Address
	err := k.withDevice(ctx, false, func(ctx context.Context, dev Device) error {
		var err error
		addr, err = k.addressAt(ctx, dev, path)
		return err
	})
	return addr, err
}

// AddAccounts derives n addresses from the cursor under the active scheme
// and imports them. Nothing is imported if any of them is already known.
func (k *Keyring) AddAccounts(ctx context.Context, n int) ([]common.Address, error) {
	base, t := k.basePath()
	k.mu.Lock()
	from, deviceID := k.cursor, k.deviceID
	k.mu.Unlock()

	type derived struct {
		addr   common.Address
		detail AccountDetail
	}
	var batch []derived

	err := k.withDevice(ctx, false, func(ctx context.Context, dev Device) error {
		if _, err := k.addressAt(ctx, dev, base); err != nil {
			return err
		}
		pub, err := basePublicKey(ctx, dev, t)
		if err != nil {
			return err
		}
		for i := from; i < from+n; i++ {
			path, err := hdpath.PathForIndex(t, i)
			if err != nil {
				return err
			}
			addr, err := k.addressAt(ctx, dev, path)
			if err != nil {
				return err
			}
			batch = append(batch, derived{addr, AccountDetail{
				HDPath:              path,
				HDPathType:          t,
				HDPathBasePublicKey: pub,
				DeviceID:            deviceID,
			}})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	seen := map[common.Address]bool{}
	for _, a := range k.accounts {
		seen[a] = true
	}
	for _, d := range batch {
		if seen[d.addr] {
			return nil, fmt.Errorf("%w: %s", keyring.ErrDuplicateAccount, d.addr.Hex())
		}
		seen[d.addr] = true
	}
	for _, d := range batch {
		k.accounts = append(k.accounts, d.addr)
		k.details[d.addr] = d.detail
		k.lg.Info("account imported", "address", d.addr.Hex(), "hdPath", d.detail.HDPath)
	}
	k.page = 0
	return append([]common.Address(nil), k.accounts...), nil
}

func (k *Keyring) FirstPage(ctx context.Context) ([]Account, error) {
	k.mu.Lock()
	k.page = 0
	k.mu.Unlock()
	return k.pageBy(ctx, 1)
}

func (k *Keyring) NextPage(ctx context.Context) ([]Account, error) { return k.pageBy(ctx, 1) }

func (k *Keyring) PreviousPage(ctx context.Context) ([]Account, error) { return k.pageBy(ctx, -1) }

func (k *Keyring) pageBy(ctx context.Context, delta int) ([]Account, error) {
	k.mu.Lock()
	k.page += delta
	if k.page <= 0 {
		k.page = 1
	}
	from := (k.page - 1) * perPage
	k.mu.Unlock()
	return k.Addresses(ctx, from, from+perPage)
}

// Addresses derives the accounts in [from, to) under the active scheme
// without importing them.
func (k *Keyring) Addresses(ctx context.Context, from, to int) ([]Account, error) {
	_, t := k.basePath()
	var out []Account
	err := k.withDevice(ctx, false, func(ctx context.Context, dev Device) error {
		var err error
		out, err = deriveRange(ctx, dev, t, from, to)
		return err
	})
	return out, err
}

func deriveRange(ctx context.Context, dev Device, t hdpath.Type, from, to int) ([]Account, error) {
	out := make([]Account, 0, max(to-from, 0))
	for i := from; i < to; i++ {
		path, err := hdpath.PathForIndex(t, i)
		if err != nil {
			return nil, err
		}
		res, err := dev.GetAddress(ctx, path, false, true)
		if err != nil {
			return nil, deviceError(err)
		}
		out = append(out, Account{Address: res.Address, Index: i + 1})
	}
	return out, nil
}

// InitialAccounts derives the first accounts of every scheme for the import
// screen. The active scheme is left untouched.
func (k *Keyring) InitialAccounts(ctx context.Context) (map[hdpath.Type][]Account, error) {
	out := make(map[hdpath.Type][]Account, len(hdpath.Types))
	err := k.withDevice(ctx, false, func(ctx context.Context, dev Device) error {
		for _, t := range hdpath.Types {
			accounts, err := deriveRange(ctx, dev, t, 0, initialPerType)
			if err != nil {
				return err
			}
			out[t] = accounts
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CurrentAccounts lists the imported accounts that belong to the active
// scheme of the connected device, matched by base public key. The first
// LedgerLive and BIP44 accounts share a path, so those are also accepted when
// the device still derives the same address for them.
func (k *Keyring) CurrentAccounts(ctx context.Context) ([]AccountInfo, error) {
	base, t := k.basePath()
	var out []AccountInfo

	err := k.withDevice(ctx, false, func(ctx context.Context, dev Device) error {
		res, err := dev.GetAddress(ctx, base, false, true)
		if err != nil {
			return deviceError(err)
		}
		current := hex.EncodeToString(res.PublicKey)

		for _, addr := range k.GetAccounts() {
			if err := k.fixAccountDetail(ctx, dev, addr); err != nil {
				return err
			}

			k.mu.Lock()
			detail, hasDetail := k.details[addr]
			info, hasInfo := k.accountInfo(addr)
			k.mu.Unlock()
			if !hasDetail || !hasInfo {
				continue
			}

			if detail.HDPathBasePublicKey == current {
				out = append(out, info)
				continue
			}

			sharedFirst := t != hdpath.Legacy &&
				(detail.HDPathType == hdpath.LedgerLive || detail.HDPathType == hdpath.BIP44) &&
				info.Index == 1
			if !sharedFirst {
				continue
			}
			onDevice, err := k.addressAt(ctx, dev, detail.HDPath)
			if err != nil {
				return err
			}
			if onDevice == addr {
				out = append(out, info)
			}
		}
		return nil
	})
	return out, err
}

// fixAccountDetail back-fills the scheme and base public key of an account
// migrated from index-only state, if it belongs to the connected device.
func (k *Keyring) fixAccountDetail(ctx context.Context, dev Device, addr common.Address) error {
	k.mu.Lock()
	detail, ok := k.details[addr]
	k.mu.Unlock()
	if !ok || detail.HDPathBasePublicKey != "" {
		return nil
	}

	t, err := hdpath.TypeForPath(detail.HDPath)
	if err != nil {
		return err
	}
	onDevice, err := k.addressAt(ctx, dev, detail.HDPath)
	if err != nil {
		return err
	}
	if onDevice != addr {
		return nil
	}
	pub, err := basePublicKey(ctx, dev, t)
	if err != nil {
		return err
	}

	detail.HDPathType = t
	detail.HDPathBasePublicKey = pub
	k.mu.Lock()
	k.details[addr] = detail
	k.mu.Unlock()
	k.lg.Info("account detail migrated", "address", addr.Hex(), "hdPathType", t)
	return nil
}

// SetCurrentUsedHDPathType remembers the active scheme for the connected
// device, keyed by its Legacy base public key.
func (k *Keyring) SetCurrentUsedHDPathType(ctx context.Context) error {
	_, t := k.basePath()
	return k.withDevice(ctx, false, func(ctx context.Context, dev Device) error {
		key, err := basePublicKey(ctx, dev, hdpath.Legacy)
		if err != nil {
			return err
		}
		k.mu.Lock()
		k.usedTypes[key] = t
		k.mu.Unlock()
		return nil
	})
}

// CurrentUsedHDPathType returns the scheme remembered for the connected
// device, or "" if none was stored.
func (k *Keyring) CurrentUsedHDPathType(ctx context.Context) (hdpath.Type, error) {
	var t hdpath.Type
	err := k.withDevice(ctx, false, func(ctx context.Context, dev Device) error {
		key, err := basePublicKey(ctx, dev, hdpath.Legacy)
		if err != nil {
			return err
		}
		k.mu.Lock()
		t = k.usedTypes[key]
		k.mu.Unlock()
		return nil
	})
	return t, err
}

func (k *Keyring) AppAndVersion(ctx context.Context) (ledger.AppInfo, error) {
	var info ledger.AppInfo
	err := k.withDevice(ctx, false, func(ctx context.Context, dev Device) error {
		var err error
		info, err = dev.AppAndVersion(ctx)
		return err
	})
	return info, err
}

// OpenEthApp launches the Ethereum app from the dashboard.
func (k *Keyring) OpenEthApp(ctx context.Context) error {
	return k.withDevice(ctx, false, func(ctx context.Context, dev Device) error {
		return deviceError(dev.OpenApp(ctx, ethereumApp))
	})
}

func (k *Keyring) QuitApp(ctx context.Context) error {
	return k.withDevice(ctx, false, func(ctx context.Context, dev Device) error {
		return dev.QuitApp(ctx)
	})
}
