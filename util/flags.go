package util

import (
	"os"
	"path"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// EnvPrefix is prepended to every flag name when looking up environment overrides
const EnvPrefix = "NX_"

// SetFlagsFromEnvVars reads and updates flag values from environment variables with prefix NX_
func SetFlagsFromEnvVars(cmd *cobra.Command) {
	// systemd LoadCredential= directory
	credsDir, present := os.LookupEnv("CREDENTIALS_DIRECTORY")

	visit := func(flags *pflag.FlagSet) {
		flags.VisitAll(func(f *pflag.Flag) {
			if f.Changed {
				return
			}
			name := flagNameToUpper(f.Name)

			if present {
				data, e := os.ReadFile(path.Join(credsDir, name))
				if e == nil {
					err := flags.Set(f.Name, strings.TrimSuffix(string(data), "\n"))
					if err != nil {
						log.Infof("unable to configure flag %s using credential %s, err: %v", f.Name, name, err)
					} else {
						return
					}
				}
			}

			// E.g. COMPANYID -> NX_COMPANYID
			envName := EnvPrefix + name
			if value, varPresent := os.LookupEnv(envName); varPresent {
				if err := flags.Set(f.Name, value); err != nil {
					log.Infof("unable to configure flag %s using variable %s, err: %v", f.Name, envName, err)
				}
			}
		})
	}

	visit(cmd.PersistentFlags())
	visit(cmd.Flags())
}

// flagNameToUpper converts a flag name to its corresponding base env name
// replacing dashes by underscores and making the result uppercase
// E.g. log-level -> LOG_LEVEL
func flagNameToUpper(cmdFlag string) string {
	return strings.ToUpper(strings.ReplaceAll(cmdFlag, "-", "_"))
}
