package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentmesh/agentmesh/libs/chain"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an agent keypair and its account address",
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		fmt.Printf("address:     %s\n", chain.AddressFromPublicKey(pub))
		fmt.Printf("public_key:  %s\n", hex.EncodeToString(pub))
		fmt.Printf("private_key: %s\n", hex.EncodeToString(priv))
		return nil
	},
}
