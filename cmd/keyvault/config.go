// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultLogFilename = "keyvault.log"
	defaultDebugLevel  = "info"
)

var defaultDataDir = btcutil.AppDataDir("keyvault", false)

// config holds the command line options of the keyvault tool.
type config struct {
	DataDir string `short:"d" long:"datadir" description:"Directory holding the keychain database and logs"`

	DB          string `long:"db" description:"Keychain record store backend" choice:"bolt" choice:"sqlite" choice:"postgres" default:"bolt"`
	PostgresDSN string `long:"postgresdsn" description:"Connection string for the postgres backend"`

	Profile string `long:"profile" description:"Keychain profile name" default:"default"`
	Testnet bool   `long:"testnet" description:"Use testnet address encoding and coin types"`

	AutoLock   time.Duration `long:"autolock" description:"Idle duration after which the keychain locks itself" default:"10m"`
	DebugLevel string        `long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}" default:"info"`

	NoFileLogging bool `long:"nofilelogging" description:"Disable writing logs to disk"`
}

// usageText describes the positional commands. go-flags renders it below the
// option help.
const usageText = `[OPTIONS] COMMAND [ARGS]

Commands:
  create                         Create a new keychain
  import-mnemonic [NAME]         Import a BIP-39 mnemonic wallet
  import-key [NAME]              Import a WIF or hex private key wallet
  wallets                        List wallets
  new-address                    Derive the next address of the active wallet
  addresses                      List addresses of the active wallet
  sign-message MESSAGE [INDEX]   Sign a message with the active wallet
  verify-password                Check the keychain password`

// loadConfig parses the command line, returning the config and the leftover
// positional arguments.
func loadConfig() (*config, []string, error) {
	cfg := &config{
		DataDir:    defaultDataDir,
		DebugLevel: defaultDebugLevel,
	}

	parser := flags.NewParser(cfg, flags.HelpFlag)
	parser.Usage = usageText

	args, err := parser.Parse()
	if err != nil {
		if flagErr, ok := err.(*flags.Error); ok &&
			flagErr.Type == flags.ErrHelp {

			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}

		return nil, nil, err
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)

	if cfg.DB == "postgres" && cfg.PostgresDSN == "" {
		return nil, nil, fmt.Errorf("--postgresdsn is required with " +
			"--db=postgres")
	}

	if len(args) == 0 {
		return nil, nil, fmt.Errorf("no command given, see --help")
	}

	return cfg, args, nil
}

// cleanAndExpandPath expands a leading ~ to the user's home directory and
// cleans the result.
func cleanAndExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[1:])
		}
	}

	return filepath.Clean(os.ExpandEnv(path))
}
