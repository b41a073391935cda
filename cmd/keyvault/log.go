// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/keysuite/keyvault/hardware"
	"github.com/keysuite/keyvault/hardware/ledger"
	"github.com/keysuite/keyvault/hardware/trezor"
	"github.com/keysuite/keyvault/vault"
	"github.com/keysuite/keyvault/vaultdb"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}

	return len(p), nil
}

var (
	// backendLog is the logging backend used to create all subsystem
	// loggers.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs. It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	mainLog  = backendLog.Logger("KVLT")
	vaultLog = backendLog.Logger("VALT")
	dbLog    = backendLog.Logger("VLDB")
	hwLog    = backendLog.Logger("HDWR")
	trzrLog  = backendLog.Logger("TRZR")
	ldgrLog  = backendLog.Logger("LDGR")
)

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"KVLT": mainLog,
	"VALT": vaultLog,
	"VLDB": dbLog,
	"HDWR": hwLog,
	"TRZR": trzrLog,
	"LDGR": ldgrLog,
}

func init() {
	vault.UseLogger(vaultLog)
	vaultdb.UseLogger(dbLog)
	hardware.UseLogger(hwLog)
	trezor.UseLogger(trzrLog)
	ledger.UseLogger(ldgrLog)
}

// initLogRotator initializes the logging rotator to write logs to logFile
// and create roll files in the same directory.
func initLogRotator(logFile string) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	logRotator = r

	return nil
}

// setLogLevels sets the log level for all subsystem loggers.
func setLogLevels(levelStr string) error {
	level, ok := btclog.LevelFromString(levelStr)
	if !ok {
		return fmt.Errorf("invalid log level %q", levelStr)
	}

	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}

	return nil
}
