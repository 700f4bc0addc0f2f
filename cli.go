package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"github.com/erc7824/nitrolite/keyring/pkg/keyring/hardware"
	"github.com/erc7824/nitrolite/keyring/pkg/keyring/multisig"
	"github.com/erc7824/nitrolite/keyring/pkg/log"
)

const exportDir = "keyring_export"

func runCli(logger log.Logger, wallet *Wallet, db *gorm.DB, name string) {
	logger = logger.Named(name)
	switch name {
	case "accounts":
		if err := ExportAccountsCSV(os.Stdout, wallet); err != nil {
			logger.Fatal("failed to list accounts", "error", err)
		}
	case "export-state":
		fileName, err := ExportStateToFile(NewStore(db), exportDir)
		if err != nil {
			logger.Fatal("failed to export keyring state", "error", err)
		}
		logger.Info("successfully exported keyring state", "file", fileName)
	case "safe-sessions":
		if len(os.Args) != 3 || !common.IsHexAddress(os.Args[2]) {
			logger.Fatal("Usage: keyringd safe-sessions <safeAddress>")
		}
		if err := ExportSessionsCSV(os.Stdout, NewStore(db), common.HexToAddress(os.Args[2])); err != nil {
			logger.Fatal("failed to list safe sessions", "error", err)
		}
	default:
		logger.Fatal("Unknown CLI command", "name", name)
	}
}

// ExportAccountsCSV writes one row per account of every keyring.
func ExportAccountsCSV(writer io.Writer, w *Wallet) error {
	csvWriter := csv.NewWriter(writer)
	defer csvWriter.Flush()

	if err := csvWriter.Write([]string{"Keyring", "Address", "Detail"}); err != nil {
		return fmt.Errorf("failed to write header to CSV: %w", err)
	}
	for _, k := range w.Keyrings() {
		for _, addr := range k.GetAccounts() {
			detail := ""
			switch kr := k.(type) {
			case *hardware.Keyring:
				if info, ok := kr.AccountInfo(addr); ok {
					detail = fmt.Sprintf("%s #%d", info.HDPathType, info.Index)
				}
			case *multisig.Keyring:
				detail = "networks " + strings.Join(kr.NetworkIDs(addr), ",")
			}
			if err := csvWriter.Write([]string{string(k.Type()), addr.Hex(), detail}); err != nil {
				return fmt.Errorf("failed to write row to CSV: %w", err)
			}
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}

// ExportStateToFile writes every stored keyring state to a JSON file in dir.
func ExportStateToFile(store *Store, dir string) (string, error) {
	states, err := store.KeyringStates()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	fileName := filepath.Join(dir, "keyring_state.json")
	file, err := os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to create file %s: %w", fileName, err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(states); err != nil {
		return "", fmt.Errorf("failed to write keyring state: %w", err)
	}
	return fileName, nil
}

// ExportSessionsCSV lists the Safe transactions of safe awaiting execution.
func ExportSessionsCSV(writer io.Writer, store *Store, safeAddr common.Address) error {
	sessions, err := store.PendingSessions(safeAddr)
	if err != nil {
		return err
	}

	csvWriter := csv.NewWriter(writer)
	defer csvWriter.Flush()

	if err := csvWriter.Write([]string{"SessionID", "SafeTxHash", "ChainID", "Nonce", "To", "Signatures"}); err != nil {
		return fmt.Errorf("failed to write header to CSV: %w", err)
	}
	for _, s := range sessions {
		d := s.Tx.Data()
		row := []string{
			s.ID.String(),
			s.Tx.Hash().Hex(),
			s.Tx.ChainID().String(),
			fmt.Sprintf("%d", d.Nonce),
			d.To.Hex(),
			fmt.Sprintf("%d", len(s.Tx.Signatures())),
		}
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("failed to write row to CSV: %w", err)
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}
