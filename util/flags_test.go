package util

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetFlagsFromEnvVars(t *testing.T) {
	var companyID, logLevel, siteID string

	cmd := &cobra.Command{Use: "test"}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "")
	cmd.Flags().StringVar(&companyID, "companyid", "", "")
	cmd.Flags().StringVar(&siteID, "siteid", "", "")

	require.NoError(t, cmd.Flags().Set("siteid", "explicit"))

	t.Setenv("NX_LOG_LEVEL", "debug")
	t.Setenv("NX_COMPANYID", "acme")
	t.Setenv("NX_SITEID", "from-env")

	SetFlagsFromEnvVars(cmd)

	assert.Equal(t, "debug", logLevel)
	assert.Equal(t, "acme", companyID)
	assert.Equal(t, "explicit", siteID, "explicitly set flags must win over the environment")
}

func TestFlagNameToUpper(t *testing.T) {
	assert.Equal(t, "LOG_LEVEL", flagNameToUpper("log-level"))
	assert.Equal(t, "COMPANYID", flagNameToUpper("companyid"))
}
