package hardware

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/erc7824/nitrolite/keyring/pkg/hdpath"
)

// State is the persisted form of the keyring.
type State struct {
	HDPath             string                           `json:"hdPath"`
	Accounts           []common.Address                 `json:"accounts"`
	AccountDetails     map[common.Address]AccountDetail `json:"accountDetails"`
	UsedHDPathTypeList map[string]hdpath.Type           `json:"usedHDPathTypeList"`
}

// storedState also accepts the index-only layout written by older wallets.
type storedState struct {
	State
	AccountIndexes map[common.Address]int `json:"accountIndexes"`
}

func (k *Keyring) Serialize() ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	st := State{
		HDPath:             k.hdPath,
		Accounts:           append([]common.Address{}, k.accounts...),
		AccountDetails:     make(map[common.Address]AccountDetail, len(k.details)),
		UsedHDPathTypeList: make(map[string]hdpath.Type, len(k.usedTypes)),
	}
	for a, d := range k.details {
		st.AccountDetails[a] = d
	}
	for key, t := range k.usedTypes {
		st.UsedHDPathTypeList[key] = t
	}
	return json.Marshal(st)
}

// Deserialize replaces the keyring state. Legacy index entries are merged
// into the details as path-only entries, completed later by CurrentAccounts;
// an existing detail wins. Accounts without a detail are dropped.
func (k *Keyring) Deserialize(data []byte) error {
	var st storedState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode hardware keyring state: %w", err)
	}

	base := st.HDPath
	if base == "" {
		base, _ = hdpath.Base(hdpath.Legacy)
	}
	t, err := hdpath.TypeForBase(base)
	if err != nil {
		return err
	}

	details := make(map[common.Address]AccountDetail, len(st.AccountDetails)+len(st.AccountIndexes))
	for addr, d := range st.AccountDetails {
		details[addr] = d
	}
	for addr, idx := range st.AccountIndexes {
		if _, ok := details[addr]; ok {
			continue
		}
		path, err := hdpath.PathForIndex(t, idx)
		if err != nil {
			return err
		}
		details[addr] = AccountDetail{HDPath: path}
	}

	accounts := make([]common.Address, 0, len(st.Accounts))
	seen := map[common.Address]bool{}
	for _, a := range st.Accounts {
		if _, ok := details[a]; !ok || seen[a] {
			continue
		}
		seen[a] = true
		accounts = append(accounts, a)
	}

	used := st.UsedHDPathTypeList
	if used == nil {
		used = map[string]hdpath.Type{}
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.hdPath = base
	k.accounts = accounts
	k.details = details
	k.usedTypes = used
	return nil
}
