package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"claimdesk.org/internal/cipher"
)

const keyEnv = "CLAIMDESK_CIPHER_KEY"

func newRootCmd(lookup func(string) (string, bool)) *cobra.Command {
	var key string
	engine := func() (*cipher.Engine, error) {
		k := key
		if k == "" {
			k, _ = lookup(keyEnv)
		}
		if k == "" {
			return nil, errors.New("no key: pass --key or set " + keyEnv)
		}
		return cipher.New(k)
	}

	root := &cobra.Command{
		Use:           "vaultctl",
		Short:         "Encrypt and decrypt claimdesk artifacts",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&key, "key", "", "cipher key (16, 24 or 32 bytes); defaults to $"+keyEnv)

	root.AddCommand(
		keygenCmd(),
		encryptCmd(engine),
		decryptCmd(engine),
		sealCmd(engine),
		openCmd(engine),
	)
	return root
}

func keygenCmd() *cobra.Command {
	var size int
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print a random key usable as " + keyEnv,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch size {
			case 16, 24, 32:
			default:
				return fmt.Errorf("size must be 16, 24 or 32, got %d", size)
			}
			// Hex doubles the length, so draw half as many random bytes.
			raw := make([]byte, size/2)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(raw))
			return err
		},
	}
	cmd.Flags().IntVar(&size, "size", 32, "key length in characters")
	return cmd
}

func encryptCmd(engine func() (*cipher.Engine, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt <plain> [artifact]",
		Short: "Encrypt a file into the artifact format (default output adds .enc)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := engine()
			if err != nil {
				return err
			}
			out := args[0] + ".enc"
			if len(args) == 2 {
				out = args[1]
			}
			if err := e.EncryptFile(args[0], out); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func decryptCmd(engine func() (*cipher.Engine, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt <artifact> [plain]",
		Short: "Decrypt an artifact (default output drops .enc)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := engine()
			if err != nil {
				return err
			}
			out := strings.TrimSuffix(args[0], ".enc")
			if len(args) == 2 {
				out = args[1]
			}
			if out == args[0] {
				return errors.New("output would overwrite the artifact; name it explicitly")
			}
			if err := e.DecryptFile(args[0], out); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func sealCmd(engine func() (*cipher.Engine, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "seal [text]",
		Short: "Seal text the way claim notes are stored (reads stdin without an argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := engine()
			if err != nil {
				return err
			}
			text, err := argOrStdin(cmd, args)
			if err != nil {
				return err
			}
			sealed, err := e.EncryptString(text)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
}

func openCmd(engine func() (*cipher.Engine, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "open [sealed]",
		Short: "Open a value produced by seal (reads stdin without an argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := engine()
			if err != nil {
				return err
			}
			sealed, err := argOrStdin(cmd, args)
			if err != nil {
				return err
			}
			text, err := e.DecryptString(strings.TrimSpace(sealed))
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), text)
			return nil
		},
	}
}

func argOrStdin(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\n"), nil
}
