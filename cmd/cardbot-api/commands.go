package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/MarcoPoloResearchLab/cardbot/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTokenCommand() *cobra.Command {
	var (
		subject string
		scopes  []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a chat bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueBridgeToken(cmd.Context(), subject, scopes)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "bridge", "Bridge name recorded as the token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Scopes to grant (events, admin, stream); all when omitted")
	return cmd
}

func newRaritiesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rarities",
		Short: "Print the rarity table with draw probabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := loadRarityTable(viper.GetString("rarity.file"))
			if err != nil {
				return err
			}
			writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "ID\tTIER\tWEIGHT\tCHANCE")
			for _, tier := range table.Tiers() {
				fmt.Fprintf(writer, "%d\t%s\t%g\t%.2f%%\n", tier.ID, tier.Display(), tier.Weight, table.Probability(tier.ID))
			}
			return writer.Flush()
		},
	}
}
