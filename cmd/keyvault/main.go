// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/keysuite/keyvault/derivation"
	"github.com/keysuite/keyvault/vault"
	"github.com/keysuite/keyvault/vaultdb"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "keyvault: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, args, err := loadConfig()
	if err != nil {
		return err
	}

	if err := setLogLevels(cfg.DebugLevel); err != nil {
		return err
	}

	if !cfg.NoFileLogging {
		logFile := filepath.Join(
			cfg.DataDir, "logs", defaultLogFilename,
		)
		if err := initLogRotator(logFile); err != nil {
			return err
		}
		defer logRotator.Close()
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	mainLog.Infof("Using %s store in %s (profile=%s)", cfg.DB,
		cfg.DataDir, cfg.Profile)

	manager, err := vault.NewManager(vault.Config{
		Store:            store,
		Profile:          cfg.Profile,
		Session:          vault.NewMemSessionStore(),
		Testnet:          cfg.Testnet,
		AutoLockDuration: cfg.AutoLock,
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer manager.Stop(ctx)

	command, args := args[0], args[1:]

	return dispatch(ctx, manager, command, args)
}

// openStore opens the configured keychain record store backend, returning
// the store together with its close function.
func openStore(cfg *config) (vaultdb.Store, func() error, error) {
	switch cfg.DB {
	case "bolt":
		store, err := vaultdb.OpenBoltStore(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}

		return store, store.Close, nil

	case "sqlite":
		store, err := vaultdb.OpenSQLiteStore(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}

		return store, store.Close, nil

	case "postgres":
		store, err := vaultdb.OpenPostgresStore(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}

		return store, store.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown db backend %q", cfg.DB)
	}
}

// dispatch executes one positional command against the started manager.
func dispatch(ctx context.Context, m *vault.Manager, command string,
	args []string) error {

	switch command {
	case "create":
		password, err := promptNewPassword()
		if err != nil {
			return err
		}

		if err := m.CreateKeychain(ctx, password); err != nil {
			return err
		}

		fmt.Println("Keychain created.")
		return nil

	case "verify-password":
		password, err := promptPassword("Password")
		if err != nil {
			return err
		}

		if err := m.VerifyPassword(ctx, password); err != nil {
			return err
		}

		fmt.Println("Password OK.")
		return nil
	}

	// Every remaining command operates on an unlocked keychain.
	password, err := promptPassword("Password")
	if err != nil {
		return err
	}
	if err := m.UnlockKeychain(ctx, password); err != nil {
		return err
	}

	switch command {
	case "import-mnemonic":
		return importMnemonic(ctx, m, args)

	case "import-key":
		return importKey(ctx, m, args)

	case "wallets":
		return listWallets(m)

	case "new-address":
		addr, err := m.AddAddress(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("%s\t%s\n", addr.Path, addr.Address)
		return nil

	case "addresses":
		return listAddresses(m)

	case "sign-message":
		return signMessage(ctx, m, args)

	default:
		return fmt.Errorf("unknown command %q, see --help", command)
	}
}

func importMnemonic(ctx context.Context, m *vault.Manager,
	args []string) error {

	var name string
	if len(args) > 0 {
		name = args[0]
	}

	mnemonic, err := promptLine("Mnemonic")
	if err != nil {
		return err
	}

	w, err := m.CreateMnemonicWallet(
		ctx, name, mnemonic, derivation.FormatNativeSegWit,
	)
	if err != nil {
		return err
	}

	fmt.Printf("Imported wallet %s (%s)\n", w.Record.Name, w.Record.ID)
	fmt.Printf("First address: %s\n", w.Record.PreviewAddress)

	return nil
}

func importKey(ctx context.Context, m *vault.Manager, args []string) error {
	var name string
	if len(args) > 0 {
		name = args[0]
	}

	material, err := promptPassword("Private key (WIF or hex)")
	if err != nil {
		return err
	}

	w, err := m.CreatePrivateKeyWallet(
		ctx, name, string(material), derivation.FormatNativeSegWit,
	)
	if err != nil {
		return err
	}

	fmt.Printf("Imported wallet %s (%s)\n", w.Record.Name, w.Record.ID)
	fmt.Printf("Address: %s\n", w.Record.PreviewAddress)

	return nil
}

func listWallets(m *vault.Manager) error {
	wallets, err := m.Wallets()
	if err != nil {
		return err
	}

	if len(wallets) == 0 {
		fmt.Println("No wallets.")
		return nil
	}

	activeID := ""
	if active, err := m.ActiveWallet(); err == nil {
		activeID = active.Record.ID
	}

	for _, w := range wallets {
		marker := " "
		if w.Record.ID == activeID {
			marker = "*"
		}

		fmt.Printf("%s %-20s %-12s %-14s %s\n", marker,
			w.Record.Name, w.Record.Kind,
			w.Record.AddressFormat, w.Record.PreviewAddress)
	}

	return nil
}

func listAddresses(m *vault.Manager) error {
	active, err := m.ActiveWallet()
	if err != nil {
		return err
	}

	for _, addr := range active.Addresses {
		fmt.Printf("%-12s %-22s %s\n", addr.Name, addr.Path,
			addr.Address)
	}

	return nil
}

func signMessage(ctx context.Context, m *vault.Manager,
	args []string) error {

	if len(args) == 0 {
		return fmt.Errorf("sign-message requires a MESSAGE argument")
	}
	message := args[0]

	var index uint64
	if len(args) > 1 {
		var err error
		index, err = strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid address index %q", args[1])
		}
	}

	sig, err := m.SignMessage(ctx, uint32(index), message)
	if err != nil {
		return err
	}

	fmt.Println(sig)

	return nil
}

// promptPassword reads a secret from the terminal without echo.
func promptPassword(prompt string) ([]byte, error) {
	fmt.Fprintf(os.Stderr, "%s: ", prompt)

	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("unable to read password: %w", err)
	}

	return password, nil
}

// promptNewPassword reads and confirms a new keychain password.
func promptNewPassword() ([]byte, error) {
	password, err := promptPassword("New password")
	if err != nil {
		return nil, err
	}

	confirm, err := promptPassword("Confirm password")
	if err != nil {
		return nil, err
	}

	if string(password) != string(confirm) {
		return nil, fmt.Errorf("passwords do not match")
	}

	return password, nil
}

// promptLine reads a single echoed line from standard input.
func promptLine(prompt string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", prompt)

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("unable to read input: %w", err)
	}

	return strings.TrimSpace(line), nil
}
