// Package auth issues and verifies team api tokens.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/saturn/internal/apperr"
	"github.com/splax/saturn/internal/authz"
	"github.com/splax/saturn/internal/domain"
	"github.com/splax/saturn/internal/repository"
	jwtpkg "github.com/splax/saturn/pkg/jwt"
)

const msgUnauthenticated = "Unauthenticated."

// Config carries token signing settings.
type Config struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// Service handles api token workflows.
type Service struct {
	tokens repository.TokenRepository
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
}

// New constructs a Service.
func New(tokens repository.TokenRepository, logger *slog.Logger, cfg Config) Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 365 * 24 * time.Hour
	}
	return Service{tokens: tokens, logger: logger, cfg: cfg, now: time.Now}
}

// IssuedToken is a freshly minted credential. Secret is only available at issue time.
type IssuedToken struct {
	Token  domain.APIToken
	Secret string
}

// IssueToken records a token row for team and signs a bearer credential bound to it.
func (s Service) IssueToken(ctx context.Context, teamID, name string, abilities []string) (IssuedToken, error) {
	teamID = strings.TrimSpace(teamID)
	if teamID == "" {
		return IssuedToken{}, apperr.Validation("The team_id field is required.")
	}
	valid, unknown := authz.NormalizeAbilities(abilities)
	if len(unknown) > 0 {
		return IssuedToken{}, apperr.Validation("Unknown abilities: " + strings.Join(unknown, ", ") + ".")
	}
	if len(valid) == 0 {
		return IssuedToken{}, apperr.Validation("At least one ability is required.")
	}
	token := domain.APIToken{
		ID:        uuid.NewString(),
		TeamID:    teamID,
		Name:      strings.TrimSpace(name),
		Abilities: valid,
		CreatedAt: s.now().UTC(),
	}
	if err := s.tokens.CreateToken(ctx, &token); err != nil {
		return IssuedToken{}, err
	}
	secret, err := jwtpkg.GenerateToken(token.ID, teamID, valid, s.cfg.JWTSecret, s.cfg.TokenTTL)
	if err != nil {
		return IssuedToken{}, err
	}
	s.logger.Info("api token issued", "token_id", token.ID, "team_id", teamID, "abilities", valid)
	return IssuedToken{Token: token, Secret: secret}, nil
}

// Authorize validates a bearer token and evaluates its capabilities.
// Abilities come from the stored row, so narrowing a row takes effect immediately.
func (s Service) Authorize(ctx context.Context, bearer string) (authz.Capabilities, error) {
	trimmed := strings.TrimSpace(bearer)
	if trimmed == "" {
		return authz.Capabilities{}, apperr.Unauthorized(msgUnauthenticated)
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret)
	if err != nil {
		return authz.Capabilities{}, apperr.Wrap(apperr.KindUnauthorized, msgUnauthenticated, err)
	}
	token, err := s.tokens.GetToken(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return authz.Capabilities{}, apperr.Unauthorized(msgUnauthenticated)
		}
		return authz.Capabilities{}, err
	}
	if token.RevokedAt != nil || token.TeamID != claims.TeamID {
		return authz.Capabilities{}, apperr.Unauthorized(msgUnauthenticated)
	}
	return authz.FromAbilities(token.TeamID, token.ID, token.Abilities), nil
}

// RevokeToken disables a token of the caller's team.
func (s Service) RevokeToken(ctx context.Context, caps authz.Capabilities, tokenID string) error {
	if !caps.Allows(authz.AbilityWrite) {
		return apperr.Forbidden("Missing required ability: write.")
	}
	if err := s.tokens.RevokeToken(ctx, caps.TeamID, tokenID, s.now().UTC()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFound("Token not found.")
		}
		return err
	}
	s.logger.Info("api token revoked", "token_id", tokenID, "team_id", caps.TeamID)
	return nil
}
