package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rkmonarch/atomiq-mark-1/internal/wallet"
)

func newWalletCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage the encrypted key file",
	}
	cmd.AddCommand(newWalletInitCmd(v), newWalletShowCmd(v))
	return cmd
}

func newWalletInitCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new mnemonic and encrypt it to the key file",
		Long: `Creates a BIP-39 mnemonic, encrypts it with the wallet password and
writes it to escrow.key_file. The mnemonic is printed once; write it down.`,
		PreRunE: bindFlags(v),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSession(v)
			if err != nil {
				return err
			}
			defer s.Close()

			path := s.cfg.ResolvePath(s.cfg.Escrow.KeyFile)
			if _, err := os.Stat(path); err == nil && !v.GetBool("force") {
				return fmt.Errorf("key file %s already exists, use --force to overwrite", path)
			}

			mnemonic := v.GetString("mnemonic")
			if mnemonic == "" {
				if mnemonic, err = wallet.GenerateMnemonic(); err != nil {
					return err
				}
			} else if !wallet.ValidateMnemonic(mnemonic) {
				return errors.New("invalid mnemonic")
			}

			password, err := newPassword(v)
			if err != nil {
				return err
			}

			kf, err := wallet.Encrypt(mnemonic, password)
			if err != nil {
				return err
			}
			if err := kf.Save(path); err != nil {
				return err
			}

			w, err := wallet.NewFromMnemonic(mnemonic, v.GetString(keyWalletPassphrase), s.params.Bitcoin)
			if err != nil {
				return err
			}

			color.Green("Key file written to %s", path)
			if v.GetString("mnemonic") == "" {
				fmt.Println()
				color.Yellow("Write down your mnemonic. It is the only way to recover these funds:")
				fmt.Println()
				fmt.Println("  " + color.CyanString(mnemonic))
				fmt.Println()
			}
			return printAddresses(w, s.cfg.Escrow.AccountIndex)
		},
	}
	cmd.Flags().Bool("force", false, "Overwrite an existing key file")
	cmd.Flags().String("mnemonic", "", "Import this mnemonic instead of generating one")
	return cmd
}

// newPassword reads the wallet password from the environment or prompts
// twice for it.
func newPassword(v *viper.Viper) (string, error) {
	password := v.GetString(keyWalletPassword)
	if password == "" {
		first, err := readPassword("New wallet password: ")
		if err != nil {
			return "", err
		}
		second, err := readPassword("Repeat password: ")
		if err != nil {
			return "", err
		}
		if first != second {
			return "", errors.New("passwords do not match")
		}
		password = first
	}
	if err := wallet.ValidatePassword(password); err != nil {
		return "", err
	}
	return password, nil
}

func newWalletShowCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:     "show",
		Short:   "Unlock the key file and print the swap addresses",
		PreRunE: bindFlags(v),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSession(v)
			if err != nil {
				return err
			}
			defer s.Close()

			w, err := unlockWallet(v, s.cfg, s.params)
			if err != nil {
				return err
			}
			return printAddresses(w, s.cfg.Escrow.AccountIndex)
		},
	}
}

func printAddresses(w *wallet.Wallet, index uint32) error {
	evm, err := w.EVMAddress(index)
	if err != nil {
		return err
	}
	btc, err := w.BitcoinAddress(index)
	if err != nil {
		return err
	}
	fmt.Printf("EVM account:     %s\n", color.CyanString(evm.Hex()))
	fmt.Printf("Bitcoin address: %s\n", color.CyanString(btc.EncodeAddress()))
	return nil
}
