package services

import (
	"context"
	cryptorand "crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"

	"github.com/leafguard/backend/internal/models"
)

// PermissionChecker decides whether an account may perform an action on a
// team. The rules live in the check_team_permission database procedure and are
// treated as external policy; this package never re-implements them.
type PermissionChecker interface {
	Check(ctx context.Context, accountID, teamID, action string) (bool, error)
}

// ProcPermissionChecker delegates to the check_team_permission procedure.
type ProcPermissionChecker struct {
	db *sql.DB
}

func NewProcPermissionChecker(db *sql.DB) *ProcPermissionChecker {
	return &ProcPermissionChecker{db: db}
}

func (c *ProcPermissionChecker) Check(ctx context.Context, accountID, teamID, action string) (bool, error) {
	var allowed bool
	err := c.db.QueryRowContext(ctx, `
		SELECT check_team_permission($1, $2, $3)`,
		accountID, teamID, action).Scan(&allowed)
	if err != nil {
		return false, err
	}
	return allowed, nil
}

// TeamService manages teams, membership and shared API keys. Only the
// argon2id hash of an API key secret is stored; the full key is shown once.
type TeamService struct {
	db          *sql.DB
	permissions PermissionChecker
	validator   *ValidationHelper
}

func NewTeamService(db *sql.DB, permissions PermissionChecker) *TeamService {
	return &TeamService{
		db:          db,
		permissions: permissions,
		validator:   NewValidationHelper(),
	}
}

type createTeamRequest struct {
	Name string `json:"name" validate:"required,min=2,max=100"`
}

// CreateTeam creates a team owned by the caller
// @Summary Create a team
// @Tags teams
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param team body createTeamRequest true "Team"
// @Success 201 {object} models.Team
// @Router /teams [post]
func (s *TeamService) CreateTeam(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req createTeamRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	team := models.Team{
		ID:        uuid.New().String(),
		Name:      req.Name,
		OwnerID:   accountID,
		CreatedAt: time.Now(),
	}

	tx, err := s.db.BeginTx(r.Context(), nil)
	if err != nil {
		SendErrorResponse(w, "Failed to create team", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(r.Context(), `
		INSERT INTO teams (id, name, owner_id, created_at)
		VALUES ($1, $2, $3, $4)`,
		team.ID, team.Name, team.OwnerID, team.CreatedAt); err != nil {
		SendErrorResponse(w, "Failed to create team", http.StatusInternalServerError, nil)
		return
	}
	if _, err := tx.ExecContext(r.Context(), `
		INSERT INTO team_members (team_id, account_id, role, joined_at)
		VALUES ($1, $2, $3, $4)`,
		team.ID, accountID, models.RoleOwner, time.Now()); err != nil {
		SendErrorResponse(w, "Failed to create team", http.StatusInternalServerError, nil)
		return
	}
	if err := tx.Commit(); err != nil {
		SendErrorResponse(w, "Failed to create team", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{"team": team})
}

type addMemberRequest struct {
	AccountID string `json:"accountId" validate:"required"`
	Role      string `json:"role" validate:"required,oneof=admin member"`
}

// AddMember adds or updates a team member
// @Summary Add a team member
// @Tags teams
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param teamId path string true "Team ID"
// @Param member body addMemberRequest true "Member"
// @Success 200 {object} models.TeamMember
// @Failure 403 {object} ErrorResponse
// @Router /teams/{teamId}/members [post]
func (s *TeamService) AddMember(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	teamID := chi.URLParam(r, "teamId")

	if !s.authorize(w, r, accountID, teamID, "manage_members") {
		return
	}

	var req addMemberRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	member := models.TeamMember{
		TeamID:    teamID,
		AccountID: req.AccountID,
		Role:      req.Role,
		JoinedAt:  time.Now(),
	}
	if _, err := s.db.ExecContext(r.Context(), `
		INSERT INTO team_members (team_id, account_id, role, joined_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (team_id, account_id) DO UPDATE SET role = EXCLUDED.role`,
		member.TeamID, member.AccountID, member.Role, member.JoinedAt); err != nil {
		SendErrorResponse(w, "Failed to add member", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"member": member})
}

// RemoveMember removes a team member
// @Summary Remove a team member
// @Tags teams
// @Security BearerAuth
// @Param teamId path string true "Team ID"
// @Param accountId path string true "Account ID"
// @Success 204
// @Failure 403 {object} ErrorResponse
// @Router /teams/{teamId}/members/{accountId} [delete]
func (s *TeamService) RemoveMember(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	teamID := chi.URLParam(r, "teamId")
	target := chi.URLParam(r, "accountId")

	if !s.authorize(w, r, accountID, teamID, "manage_members") {
		return
	}

	result, err := s.db.ExecContext(r.Context(), `
		DELETE FROM team_members WHERE team_id = $1 AND account_id = $2 AND role <> $3`,
		teamID, target, models.RoleOwner)
	if err != nil {
		SendErrorResponse(w, "Failed to remove member", http.StatusInternalServerError, nil)
		return
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		SendErrorResponse(w, "Member not found", http.StatusNotFound, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createKeyRequest struct {
	Name string `json:"name" validate:"required,min=2,max=100"`
}

// CreateAPIKey issues a shared team API key
// @Summary Create a shared API key
// @Description Issue a team API key. The full key is returned once and never stored.
// @Tags teams
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param teamId path string true "Team ID"
// @Param key body createKeyRequest true "Key"
// @Success 201 {object} object{key=string}
// @Failure 403 {object} ErrorResponse
// @Router /teams/{teamId}/keys [post]
func (s *TeamService) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	teamID := chi.URLParam(r, "teamId")

	if !s.authorize(w, r, accountID, teamID, "manage_keys") {
		return
	}

	var req createKeyRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	prefix, secret, err := generateAPIKeyParts()
	if err != nil {
		SendErrorResponse(w, "Failed to generate key", http.StatusInternalServerError, nil)
		return
	}

	key := models.APIKey{
		ID:         uuid.New().String(),
		TeamID:     teamID,
		Name:       req.Name,
		Prefix:     prefix,
		SecretHash: hashAPIKeySecret(secret),
		CreatedBy:  accountID,
		CreatedAt:  time.Now(),
	}
	if _, err := s.db.ExecContext(r.Context(), `
		INSERT INTO api_keys (id, team_id, name, prefix, secret_hash, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.TeamID, key.Name, key.Prefix, key.SecretHash, key.CreatedBy, key.CreatedAt); err != nil {
		SendErrorResponse(w, "Failed to store key", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"id":   key.ID,
		"name": key.Name,
		// lg_<prefix>_<secret> is the only time the secret leaves the server.
		"key": fmt.Sprintf("lg_%s_%s", prefix, secret),
	})
}

// RevokeAPIKey revokes a shared API key
// @Summary Revoke a shared API key
// @Tags teams
// @Security BearerAuth
// @Param teamId path string true "Team ID"
// @Param keyId path string true "Key ID"
// @Success 204
// @Failure 403 {object} ErrorResponse
// @Router /teams/{teamId}/keys/{keyId} [delete]
func (s *TeamService) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	teamID := chi.URLParam(r, "teamId")
	keyID := chi.URLParam(r, "keyId")

	if !s.authorize(w, r, accountID, teamID, "manage_keys") {
		return
	}

	result, err := s.db.ExecContext(r.Context(), `
		UPDATE api_keys SET revoked_at = $1 WHERE id = $2 AND team_id = $3 AND revoked_at IS NULL`,
		time.Now(), keyID, teamID)
	if err != nil {
		SendErrorResponse(w, "Failed to revoke key", http.StatusInternalServerError, nil)
		return
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		SendErrorResponse(w, "Key not found", http.StatusNotFound, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// VerifyAPIKey checks a presented key against the stored hash and returns the
// owning team. Revoked keys never verify.
func (s *TeamService) VerifyAPIKey(ctx context.Context, presented string) (*models.APIKey, error) {
	parts := strings.Split(presented, "_")
	if len(parts) != 3 || parts[0] != "lg" {
		return nil, ErrPermissionDenied
	}
	prefix, secret := parts[1], parts[2]

	var key models.APIKey
	err := s.db.QueryRowContext(ctx, `
		SELECT id, team_id, name, prefix, secret_hash, created_by, created_at
		FROM api_keys WHERE prefix = $1 AND revoked_at IS NULL`,
		prefix).Scan(&key.ID, &key.TeamID, &key.Name, &key.Prefix, &key.SecretHash, &key.CreatedBy, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPermissionDenied
	}
	if err != nil {
		return nil, err
	}

	if !verifyAPIKeySecret(secret, key.SecretHash) {
		return nil, ErrPermissionDenied
	}
	return &key, nil
}

func (s *TeamService) authorize(w http.ResponseWriter, r *http.Request, accountID, teamID, action string) bool {
	allowed, err := s.permissions.Check(r.Context(), accountID, teamID, action)
	if err != nil {
		log.Printf("[TEAM] permission check failed for %s on %s: %v", accountID, teamID, err)
		SendErrorResponse(w, "Permission check failed", http.StatusInternalServerError, nil)
		return false
	}
	if !allowed {
		SendErrorResponse(w, "Permission denied", http.StatusForbidden, nil)
		return false
	}
	return true
}

func generateAPIKeyParts() (prefix, secret string, err error) {
	buf := make([]byte, 24)
	if _, err := cryptorand.Read(buf); err != nil {
		return "", "", err
	}
	raw := base64.RawURLEncoding.EncodeToString(buf)
	return raw[:8], raw[8:], nil
}

func hashAPIKeySecret(secret string) string {
	salt := make([]byte, viper.GetInt("argon2.salt_length"))
	cryptorand.Read(salt)
	hash := argon2.IDKey([]byte(secret), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return base64.RawStdEncoding.EncodeToString(salt) + "$" + base64.RawStdEncoding.EncodeToString(hash)
}

func verifyAPIKeySecret(secret, stored string) bool {
	parts := strings.SplitN(stored, "$", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	computed := argon2.IDKey([]byte(secret), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(len(expected)))
	return subtle.ConstantTimeCompare(computed, expected) == 1
}

// decodeJSONBody applies the shared request-body hygiene: size cap, unknown
// field rejection, single JSON object.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}
