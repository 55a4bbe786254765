package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sakif/coderunner/internal/auth"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [key]",
	Short: "Hash an API key for auth.api_keys",
	Long: `Print the bcrypt hash of an API key. Put the hash, never the key, in the
config file:

  auth:
    api_keys:
      ci: <hash>

Without an argument the key is read from the first line of stdin, which keeps
it out of shell history.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key string
		if len(args) == 1 {
			key = args[0]
		} else {
			sc := bufio.NewScanner(cmd.InOrStdin())
			if !sc.Scan() {
				if err := sc.Err(); err != nil {
					return err
				}
				return errors.New("no key on stdin")
			}
			key = strings.TrimSpace(sc.Text())
		}

		hash, err := auth.NewKeyService(nil).Hash(key)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
