package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jmerrifield20/veriregistry/pkg/client"
	"github.com/jmerrifield20/veriregistry/pkg/merkle"
	"github.com/spf13/cobra"
)

// errNotValid makes `regctl verify` exit non-zero for any non-valid result.
var errNotValid = errors.New("proof did not verify")

// ── root ─────────────────────────────────────────────────────────────────────

var rootHashCmd = &cobra.Command{
	Use:   "root",
	Short: "Print the registry's current root hash and tree stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		s, err := c.Root(context.Background())
		if err != nil {
			return fmt.Errorf("root: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, s)
		}
		fmt.Fprintf(out, "Root:      %s\n", s.RootHash)
		fmt.Fprintf(out, "Algorithm: %s\n", s.Algorithm)
		fmt.Fprintf(out, "Entries:   %d (%d removed)\n", s.EntryCount, s.Removed)
		fmt.Fprintf(out, "Height:    %d\n", s.TreeHeight)
		return nil
	},
}

// ── stats ────────────────────────────────────────────────────────────────────

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print grant counts by status and distinct principals and resources",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		s, err := c.Statistics(context.Background())
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, s)
		}
		fmt.Fprintf(out, "Root:       %s\n", s.RootHash)
		fmt.Fprintf(out, "Entries:    %d\n", s.EntryCount)
		fmt.Fprintf(out, "Principals: %d\n", s.Principals)
		fmt.Fprintf(out, "Resources:  %d\n", s.Resources)
		statuses := make([]string, 0, len(s.ByStatus))
		for st := range s.ByStatus {
			statuses = append(statuses, st)
		}
		sort.Strings(statuses)
		for _, st := range statuses {
			fmt.Fprintf(out, "  %-10s %d\n", st, s.ByStatus[st])
		}
		return nil
	},
}

// ── proof ────────────────────────────────────────────────────────────────────

var (
	proofFormat string
	proofOut    string
)

var proofCmd = &cobra.Command{
	Use:   "proof <key>",
	Short: "Fetch the inclusion proof for a grant",
	Long: `proof fetches the receipt for a grant: the entry, the exact leaf payload
that was hashed, and the inclusion proof for the current root.

With --out the proof alone is written to a file for later offline checks:

  regctl proof 6f1c2a59-... --format cbor --out grant.proof.cbor
  regctl verify --proof grant.proof.cbor --root <trusted root>`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if proofFormat != client.FormatJSON && proofFormat != client.FormatCBOR {
			return fmt.Errorf("unknown --format %q (want json or cbor)", proofFormat)
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := context.Background()
		out := cmd.OutOrStdout()

		if proofFormat == client.FormatCBOR {
			p, raw, err := c.ProofCBOR(ctx, args[0])
			if err != nil {
				return fmt.Errorf("proof %s: %w", args[0], err)
			}
			if proofOut == "" {
				_, err := out.Write(raw)
				return err
			}
			if err := client.SaveProof(proofOut, p, client.FormatCBOR); err != nil {
				return err
			}
			fmt.Fprintf(out, "wrote %d-byte CBOR proof for leaf %d to %s\n", len(raw), p.LeafIndex, proofOut)
			return nil
		}

		rc, err := c.Proof(ctx, args[0])
		if err != nil {
			return fmt.Errorf("proof %s: %w", args[0], err)
		}
		if proofOut != "" {
			if err := client.SaveProof(proofOut, rc.Proof, client.FormatJSON); err != nil {
				return err
			}
			fmt.Fprintf(out, "wrote proof for leaf %d (root %s) to %s\n", rc.Proof.LeafIndex, rc.Proof.RootHash, proofOut)
			return nil
		}
		return printJSON(out, rc)
	},
}

func init() {
	proofCmd.Flags().StringVar(&proofFormat, "format", client.FormatJSON, "proof encoding: json or cbor")
	proofCmd.Flags().StringVar(&proofOut, "out", "", "write the proof to this file instead of stdout")
}

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyProofFile string
	verifyRoot      string
	verifyAlgorithm string
	verifyLeaf      string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a proof file offline against a trusted root",
	Long: `verify replays a proof against a root you obtained out of band. It makes
no network calls. The proof format is chosen by file extension (.cbor or JSON).

Exit status is non-zero unless the result is "valid".

  regctl verify --proof grant.proof.json --root 3a7bd3e2...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := client.LoadProof(verifyProofFile)
		if err != nil {
			return err
		}
		if verifyLeaf != "" {
			alg := verifyAlgorithm
			if alg == "" {
				alg = p.Algorithm
			}
			h := merkle.DefaultHasher()
			if alg != "" {
				if h, err = merkle.NewHasher(alg); err != nil {
					return err
				}
			}
			if merkle.LeafDigestFor(h, verifyLeaf) != p.LeafDigest {
				fmt.Fprintln(cmd.OutOrStdout(), "mismatch: leaf payload does not hash to the proof's leaf digest")
				return errNotValid
			}
		}

		res, err := client.VerifyOffline(p, strings.ToLower(strings.TrimSpace(verifyRoot)), verifyAlgorithm)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: leaf %d against root %s\n", res, p.LeafIndex, verifyRoot)
		if res != merkle.Valid {
			return errNotValid
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyProofFile, "proof", "", "proof file (.json or .cbor)")
	verifyCmd.Flags().StringVar(&verifyRoot, "root", "", "trusted root hash (hex)")
	verifyCmd.Flags().StringVar(&verifyAlgorithm, "algorithm", "", "hash algorithm (default: the proof's label, else sha3-256)")
	verifyCmd.Flags().StringVar(&verifyLeaf, "leaf", "", "optional leaf payload to bind to the proof")

	_ = verifyCmd.MarkFlagRequired("proof")
	_ = verifyCmd.MarkFlagRequired("root")
}
