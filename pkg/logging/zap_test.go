// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package logging_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/siderolabs/instance-store-provisioner/pkg/logging"
)

func TestParseFormat(t *testing.T) {
	f, err := logging.ParseFormat("console")
	require.NoError(t, err)
	assert.Equal(t, logging.FormatConsole, f)

	_, err = logging.ParseFormat("xml")
	require.Error(t, err)
}

func TestJSON(t *testing.T) {
	var buf bytes.Buffer

	logger := logging.New(&buf, zapcore.InfoLevel, logging.FormatJSON)

	logger.Debug("hidden")
	logger.With(logging.Component("pool")).Error("assembly failed", zap.String("kind", "PoolAssemblyFailed"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any

	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))

	assert.Equal(t, "assembly failed", entry["msg"])
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "pool", entry["component"])
	assert.Equal(t, "PoolAssemblyFailed", entry["kind"])
}

func TestConsole(t *testing.T) {
	var buf bytes.Buffer

	logger := logging.ZapLogger(logging.NewLogDestination(&buf, zapcore.DebugLevel, logging.FormatConsole, logging.WithoutTimestamp()))

	logger.Info("mounted", zap.String("target", "/var/lib/containers"))

	assert.Equal(t, "INFO mounted {\"target\": \"/var/lib/containers\"}\n", buf.String())
}

func TestColoredLevels(t *testing.T) {
	var buf bytes.Buffer

	logger := logging.New(&buf, zapcore.InfoLevel, logging.FormatConsole, logging.WithoutTimestamp(), logging.WithColoredLevels())

	logger.Warn("no instance storage")

	assert.Equal(t, "\x1b[33mWARN\x1b[0m no instance storage\n", buf.String())
}
