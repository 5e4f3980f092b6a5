package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/vodproxy/internal/auth"
	"github.com/jmylchreest/vodproxy/internal/catalog"
	"github.com/jmylchreest/vodproxy/internal/signing"
)

var (
	signTTL time.Duration

	tokenUser  string
	tokenRoles []string
	tokenTTL   time.Duration
)

var signCmd = &cobra.Command{
	Use:   "sign <item-id|/stream/path>",
	Short: "Print a signed playback URL",
	Long: `Print a signed URL for a streaming path using the configured signing secret.

A bare item id is expanded to its master playlist:

  vodproxy sign 1f2e3d        -> /stream/1f2e3d/master.m3u8?expires=...&sig=...`,
	Args: cobra.ExactArgs(1),
	RunE: runSign,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for local testing",
	Long: `Mint an HS256 bearer token accepted by this server. Production tokens are
issued by the account service; this command exists for development and
smoke tests.`,
	RunE: runToken,
}

func init() {
	signCmd.Flags().DurationVar(&signTTL, "ttl", 0, "validity window (default signing.ttl)")
	rootCmd.AddCommand(signCmd)

	tokenCmd.Flags().StringVar(&tokenUser, "user", "dev", "username claim")
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "role", nil, "role claim (repeatable)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func runSign(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	signer, err := signing.NewSigner([]byte(cfg.Signing.Secret))
	if err != nil {
		return fmt.Errorf("initializing signer: %w", err)
	}

	path := args[0]
	if !strings.HasPrefix(path, "/") {
		path = catalog.PlaybackPath(path)
	}
	ttl := signTTL
	if ttl <= 0 {
		ttl = cfg.Signing.TTL
	}

	fmt.Fprintln(cmd.OutOrStdout(), signer.Sign(path, ttl).String())
	return nil
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	now := time.Now()
	token, err := auth.Sign([]byte(cfg.Auth.JWTSecret), auth.Claims{
		UserID:   uuid.NewString(),
		Username: tokenUser,
		Roles:    tokenRoles,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	})
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
