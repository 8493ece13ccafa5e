package cmd

import (
	"fmt"
	"strings"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/spf13/cobra"
)

var keygenPerPurpose bool

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate codec key material",
	Long: `Prints freshly generated base64 keys as environment assignments.
By default only CODEC_MASTER_KEY is printed and per-purpose keys are derived
from it. With --per-purpose an independent key is printed for every purpose.`,
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().BoolVar(&keygenPerPurpose, "per-purpose", false, "Emit one CODEC_KEY_<PURPOSE> per purpose")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if !keygenPerPurpose {
		key, err := auth.GenerateCodecKey()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "CODEC_MASTER_KEY=%s\n", key)
		return nil
	}

	for _, p := range auth.AllPurposes {
		key, err := auth.GenerateCodecKey()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "CODEC_KEY_%s=%s\n", strings.ToUpper(string(p)), key)
	}
	return nil
}
