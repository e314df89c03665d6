package formatter

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceHook_Relative(t *testing.T) {
	hook := &SourceHook{roots: []string{defaultModule + "/", "/nexus/"}}

	testCases := []struct {
		file string
		want string
	}{
		{file: "/go/src/github.com/nexusio/nexus/updater/main.go", want: "updater/main.go"},
		{file: "/Users/user/src/nexus/updater/internal/swap/swap.go", want: "updater/internal/swap/swap.go"},
		{file: "/home/user/nexus/repos/nexus/formatter/formatter.go", want: "formatter/formatter.go"},
		{file: "/Users/user/src/MyUpdater/formatter/formatter.go", want: "formatter/formatter.go"},
		{file: "/root/go/pkg/mod/github.com/sirupsen/logrus@v1.9.3/entry.go", want: "logrus@v1.9.3/entry.go"},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.want, hook.relative(tc.file), tc.file)
	}
}

func TestTextFormatter(t *testing.T) {
	entry := &logrus.Entry{
		Time:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:   logrus.WarnLevel,
		Message: "stop timed out",
		Data: logrus.Fields{
			"source":    "updater/internal/svcctl/lifecycle.go:42",
			"attempt":   3,
			"service":   "NexusAgent",
			"component": "swap",
		},
	}

	out, err := NewTextFormatter().Format(entry)
	require.NoError(t, err)

	assert.Equal(t, "2026-01-02T03:04:05Z WARN [component: swap, service: NexusAgent, attempt: 3] "+
		"updater/internal/svcctl/lifecycle.go:42: stop timed out\n", string(out))
}

func TestTextFormatter_NoFields(t *testing.T) {
	entry := &logrus.Entry{
		Time:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:   logrus.Level(42),
		Message: "hello",
		Data:    logrus.Fields{},
	}

	out, err := NewTextFormatter().Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02T03:04:05Z UNKN hello\n", string(out))
}

func TestSetTextFormatter(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	SetTextFormatter(logger)

	logger.WithField("cycle", "c-1").Info("cycle started")

	line := buf.String()
	assert.Contains(t, line, " INFO [cycle: c-1] ")
	assert.Contains(t, line, "hook_test.go:")
	assert.True(t, strings.HasSuffix(line, ": cycle started\n"))
}
