package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kkshell/kksh/internal/config"
	"github.com/kkshell/kksh/internal/ssh"
)

var (
	keygenComment    string
	keygenPassphrase bool
)

var keygenCmd = &cobra.Command{
	Use:   "keygen [path]",
	Short: "Generate an ed25519 key pair",
	Long: `Generate an ed25519 key pair in OpenSSH format. The private key is
written to path (default: id_ed25519 in the config directory) and the public
key to path.pub. Existing files are never overwritten.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runKeygen,
}

func init() {
	keygenCmd.Flags().StringVarP(&keygenComment, "comment", "C", "", "key comment (default user@hostname)")
	keygenCmd.Flags().BoolVar(&keygenPassphrase, "passphrase", false, "prompt for a passphrase to encrypt the key")
	rootCmd.AddCommand(keygenCmd)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	path := filepath.Join(config.Dir(), "id_ed25519")
	if len(args) == 1 {
		path = args[0]
	}

	comment := keygenComment
	if comment == "" {
		host, _ := os.Hostname()
		comment = currentUser() + "@" + host
	}

	var passphrase string
	if keygenPassphrase {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return fmt.Errorf("--passphrase needs a terminal")
		}
		first, err := promptPassword("Passphrase: ")
		if err != nil {
			return err
		}
		second, err := promptPassword("Repeat passphrase: ")
		if err != nil {
			return err
		}
		if first != second {
			return fmt.Errorf("passphrases do not match")
		}
		passphrase = first
	}

	pub, err := ssh.WriteKeyPair(path, comment, passphrase)
	if err != nil {
		return err
	}
	fmt.Printf("  Private key: %s\n", path)
	fmt.Printf("  Public key:  %s.pub\n", path)
	fmt.Printf("\n  %s\n", pub)
	return nil
}
