package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nstogner/ortofix/pkg/config"
	"github.com/nstogner/ortofix/pkg/credential"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Validate the configured API keys",
	Long: `Parse the API key list the server would use and print it masked.
Exits with an error when the list is missing, malformed or empty.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return printKeys(cmd.OutOrStdout(), cfg.Upstream.KeysEnv)
	},
}

func printKeys(w io.Writer, envName string) error {
	keys, err := config.LoadKeys(envName)
	if err != nil {
		return err
	}
	pool, err := credential.New(keys)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%d key(s) loaded from %s\n", pool.Len(), envName)
	for i, k := range pool.All() {
		marker := " "
		if i == pool.Index() {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %d  %s\n", marker, i, config.Mask(k))
	}
	return nil
}
