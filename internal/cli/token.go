package cli

import (
	"fmt"
	"os"
	"time"

	internal_http "github.com/ignatij/goapprove/internal/http"
	"github.com/ignatij/goapprove/pkg/models"
	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a principal (development)",
		Long: "Issue a bearer token. With --name the claims are taken from the flags and no database is needed,\n" +
			"which is how tokens are minted for principals seeded by `serve --memory`.",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			if cfg.JWTSecret == "" {
				fail("JWT_SECRET is required")
			}
			p, ok := offlinePrincipal(cmd)
			if !ok {
				store := initStore(cmd, cfg)
				defer store.Close()
				id, _ := cmd.Flags().GetInt64("as")
				p = lookupPrincipal(store, id)
			}
			ttl, _ := cmd.Flags().GetDuration("ttl")
			token, err := internal_http.IssueToken([]byte(cfg.JWTSecret), p, ttl)
			if err != nil {
				fail("Failed to issue token: %v", err)
			}
			fmt.Fprintln(os.Stdout, token)
		},
	}
	cmd.Flags().Int64("as", 0, "Principal id")
	cmd.Flags().String("name", "", "Display name; skips the database lookup")
	cmd.Flags().Int("rank", 1, "Rank level, used with --name")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("as")
	return cmd
}

// offlinePrincipal builds the token subject from flags when --name is given.
func offlinePrincipal(cmd *cobra.Command) (models.Principal, bool) {
	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		return models.Principal{}, false
	}
	id, _ := cmd.Flags().GetInt64("as")
	rank, _ := cmd.Flags().GetInt("rank")
	return models.Principal{ID: id, DisplayName: name, RankLevel: rank, Status: models.ActivePrincipalStatus}, true
}
