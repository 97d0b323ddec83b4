package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/blobmanager/blob/config"
)

func TestInitLoggingRejectsUnknownFormat(t *testing.T) {
	oldFmt, oldLvl := logFmt, logLevel
	defer func() { logFmt, logLevel = oldFmt, oldLvl }()

	logLevel = "INFO"
	logFmt = "yaml"

	err := initLogging()
	require.Error(t, err)
}

func TestInitLoggingRejectsUnknownLevel(t *testing.T) {
	oldFmt, oldLvl := logFmt, logLevel
	defer func() { logFmt, logLevel = oldFmt, oldLvl }()

	logLevel = "VERY_LOUD"
	logFmt = "logfmt"

	err := initLogging()
	require.Error(t, err)
}

func TestRegisterBackendFactoryInstallsCallback(t *testing.T) {
	old := backendFactory
	defer func() { backendFactory = old }()

	called := false
	RegisterBackendFactory(func(cfg config.Config) (Backends, error) {
		called = true
		return Backends{}, nil
	})

	require.NotNil(t, backendFactory)
	_, err := backendFactory(config.Default())
	require.NoError(t, err)
	require.True(t, called)
}
