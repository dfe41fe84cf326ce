package services

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/leafguard/backend/internal/audit"
	"github.com/leafguard/backend/internal/ml"
	"github.com/leafguard/backend/internal/models"
)

// Fallback copy used when the advice model output cannot be parsed strictly.
const (
	fallbackOverview   = "Advice is temporarily unavailable for this diagnosis."
	fallbackTreatment  = "Consult a local agronomist for treatment options."
	fallbackPrevention = "Follow general crop hygiene practices until advice is available."
)

// ScanService orchestrates the paid scan pipeline: reserve credits, call the
// classifier, then commit or roll back the reservation based on the outcome.
// The reservation is settled on every exit path; client disconnects cancel the
// caller's wait, not the settlement obligation.
type ScanService struct {
	db           *sql.DB
	redis        *redis.Client
	reservations *ReservationService
	settlement   *SettlementService
	classifier   ml.Classifier
	advisor      ml.Advisor
	audit        *audit.Logger
	validator    *ValidationHelper
	scanCost     int64
}

func NewScanService(db *sql.DB, redisClient *redis.Client, reservations *ReservationService, settlement *SettlementService, classifier ml.Classifier, advisor ml.Advisor, scanCost int64) *ScanService {
	return &ScanService{
		db:           db,
		redis:        redisClient,
		reservations: reservations,
		settlement:   settlement,
		classifier:   classifier,
		advisor:      advisor,
		audit:        audit.NewLogger(),
		validator:    NewValidationHelper(),
		scanCost:     scanCost,
	}
}

type scanRequest struct {
	ImageName   string `json:"imageName" validate:"required,min=1,max=255"`
	ImageBase64 string `json:"imageBase64" validate:"required"`
	TeamID      string `json:"teamId,omitempty"`
}

// CreateScan runs one paid classification
// @Summary Scan a crop image
// @Description Reserve scan credits, classify the image and return the enriched diagnosis
// @Tags scans
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param scan body scanRequest true "Scan request"
// @Success 201 {object} models.Scan
// @Failure 402 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /scans [post]
func (s *ScanService) CreateScan(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req scanRequest
	maxBytes := 10 * 1_048_576 // 10 MB, images are base64-inflated
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	imageData, err := base64.StdEncoding.DecodeString(req.ImageBase64)
	if err != nil {
		SendErrorResponse(w, "imageBase64 is not valid base64", http.StatusBadRequest, nil)
		return
	}

	// Reserve before the expensive call. From here on the reservation must be
	// settled on every path.
	reservation, err := s.reservations.Reserve(r.Context(), accountID, s.scanCost)
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientBalance):
			SendErrorResponse(w, "Insufficient credits, top up to continue scanning", http.StatusPaymentRequired, nil)
		case errors.Is(err, ErrContention):
			SendErrorResponse(w, "Account busy, retry shortly", http.StatusConflict, nil)
		case errors.Is(err, ErrAccountNotFound):
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		default:
			log.Printf("[SCAN] reserve failed for %s: %v", accountID, err)
			SendErrorResponse(w, "Failed to reserve credits", http.StatusInternalServerError, nil)
		}
		return
	}

	// Settlement outlives the request: a disconnected client must not strand
	// the reservation in PENDING until the sweep.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 15*time.Second)
	defer cancel()

	settled := false
	defer func() {
		if !settled {
			if rbErr := s.settlement.Rollback(settleCtx, reservation.ID); rbErr != nil {
				s.audit.LogError(reservation.ID, accountID, rbErr)
			}
		}
	}()

	diagnosis, err := s.classifier.Classify(r.Context(), imageData)
	if err != nil {
		s.audit.LogError(reservation.ID, accountID, fmt.Errorf("%w: %v", ErrExternalOperation, err))
		if rbErr := s.settlement.Rollback(settleCtx, reservation.ID); rbErr != nil {
			s.audit.LogError(reservation.ID, accountID, rbErr)
		}
		settled = true
		SendErrorResponse(w, "Classification failed, no charge applied", http.StatusBadGateway, nil)
		return
	}

	scan := &models.Scan{
		ID:            uuid.New().String(),
		AccountID:     accountID,
		ReservationID: reservation.ID,
		TeamID:        req.TeamID,
		ImageName:     req.ImageName,
		Species:       diagnosis.Species,
		Disease:       diagnosis.Disease,
		Confidence:    diagnosis.Confidence,
		Status:        models.ScanCompleted,
		CreatedAt:     time.Now(),
	}
	s.enrichAdvice(r.Context(), scan, *diagnosis)

	if err := s.storeScan(r.Context(), scan); err != nil {
		log.Printf("[SCAN] failed to store scan %s: %v", scan.ID, err)
		if rbErr := s.settlement.Rollback(settleCtx, reservation.ID); rbErr != nil {
			s.audit.LogError(reservation.ID, accountID, rbErr)
		}
		settled = true
		SendErrorResponse(w, "Failed to store scan, no charge applied", http.StatusInternalServerError, nil)
		return
	}

	// Result delivered and persisted: the charge becomes final.
	s.commitDelivered(settleCtx, reservation, accountID)
	settled = true

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"scan":    scan,
	})
}

const commitAttempts = 3

// commitDelivered finalizes the charge for a scan that was already stored.
// A transient commit failure here would otherwise leave the hold PENDING for
// the sweep to refund, handing out a free scan, so the commit is retried
// before escalating to reconciliation.
func (s *ScanService) commitDelivered(ctx context.Context, reservation *models.Reservation, accountID string) {
	var lastErr error
	for attempt := 0; attempt < commitAttempts; attempt++ {
		err := s.settlement.Commit(ctx, reservation.ID)
		if err == nil {
			return
		}
		if errors.Is(err, ErrInvalidStateTransition) {
			s.audit.LogEscalation(reservation.ID, accountID, reservation.Amount, err)
			return
		}
		lastErr = err
		if err := sleepContext(ctx, backoffDelay(attempt)); err != nil {
			break
		}
	}
	s.audit.LogEscalation(reservation.ID, accountID, reservation.Amount, lastErr)
}

// enrichAdvice fills the advice fields, falling back per field when the model
// output is unparseable or the advisor is down. Advice is not metered: its
// failure never affects the charge.
func (s *ScanService) enrichAdvice(ctx context.Context, scan *models.Scan, d ml.Diagnosis) {
	result, err := s.advisor.Advise(ctx, d)
	if err != nil {
		log.Printf("[SCAN] advice unavailable for scan %s: %v", scan.ID, err)
		scan.Overview = fallbackOverview
		scan.Treatment = fallbackTreatment
		scan.Prevention = fallbackPrevention
		return
	}
	if !result.Parseable() {
		log.Printf("[SCAN] unparseable advice for scan %s (%d bytes raw)", scan.ID, len(result.Raw))
		scan.Overview = fallbackOverview
		scan.Treatment = fallbackTreatment
		scan.Prevention = fallbackPrevention
		return
	}
	scan.Overview = result.Parsed.Overview
	scan.Treatment = result.Parsed.Treatment
	scan.Prevention = result.Parsed.Prevention
}

func (s *ScanService) storeScan(ctx context.Context, scan *models.Scan) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scans (id, account_id, reservation_id, team_id, image_name, species, disease, confidence, status, overview, treatment, prevention, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		scan.ID, scan.AccountID, scan.ReservationID, scan.TeamID, scan.ImageName,
		scan.Species, scan.Disease, scan.Confidence, scan.Status,
		scan.Overview, scan.Treatment, scan.Prevention, scan.CreatedAt)
	return err
}

// GetScan returns a single scan report
// @Summary Get a scan
// @Tags scans
// @Produce json
// @Security BearerAuth
// @Param scanId path string true "Scan ID"
// @Success 200 {object} models.Scan
// @Failure 404 {object} ErrorResponse
// @Router /scans/{scanId} [get]
func (s *ScanService) GetScan(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	scanID := chi.URLParam(r, "scanId")

	if cached := s.cachedScan(r.Context(), scanID, accountID); cached != nil {
		s.respondScan(w, cached)
		return
	}

	scan, err := s.loadScan(r.Context(), scanID, accountID)
	if err != nil {
		if errors.Is(err, ErrScanNotFound) {
			SendErrorResponse(w, "Scan not found", http.StatusNotFound, nil)
			return
		}
		SendErrorResponse(w, "Failed to load scan", http.StatusInternalServerError, nil)
		return
	}

	s.cacheScan(r.Context(), scan)
	s.respondScan(w, scan)
}

// ListScans returns the caller's scan history
// @Summary List scans
// @Tags scans
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.Scan
// @Router /scans [get]
func (s *ScanService) ListScans(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	rows, err := s.db.QueryContext(r.Context(), `
		SELECT id, account_id, reservation_id, COALESCE(team_id::text, ''), image_name, species, disease, confidence, status, overview, treatment, prevention, created_at
		FROM scans
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT 100`,
		accountID)
	if err != nil {
		SendErrorResponse(w, "Failed to list scans", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	scans := []models.Scan{}
	for rows.Next() {
		var scan models.Scan
		if err := scanRow(rows.Scan, &scan); err != nil {
			SendErrorResponse(w, "Failed to list scans", http.StatusInternalServerError, nil)
			return
		}
		scans = append(scans, scan)
	}
	if err := rows.Err(); err != nil {
		SendErrorResponse(w, "Failed to list scans", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"scans": scans})
}

// DeleteScan removes a scan report
// @Summary Delete a scan
// @Tags scans
// @Security BearerAuth
// @Param scanId path string true "Scan ID"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Router /scans/{scanId} [delete]
func (s *ScanService) DeleteScan(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	scanID := chi.URLParam(r, "scanId")

	result, err := s.db.ExecContext(r.Context(), `
		DELETE FROM scans WHERE id = $1 AND account_id = $2`,
		scanID, accountID)
	if err != nil {
		SendErrorResponse(w, "Failed to delete scan", http.StatusInternalServerError, nil)
		return
	}
	affected, err := result.RowsAffected()
	if err != nil || affected == 0 {
		SendErrorResponse(w, "Scan not found", http.StatusNotFound, nil)
		return
	}

	s.dropCachedScan(r.Context(), scanID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *ScanService) loadScan(ctx context.Context, scanID, accountID string) (*models.Scan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, reservation_id, COALESCE(team_id::text, ''), image_name, species, disease, confidence, status, overview, treatment, prevention, created_at
		FROM scans WHERE id = $1 AND account_id = $2`,
		scanID, accountID)

	var scan models.Scan
	if err := scanRow(row.Scan, &scan); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrScanNotFound
		}
		return nil, err
	}
	return &scan, nil
}

func scanRow(scanFn func(...any) error, scan *models.Scan) error {
	return scanFn(&scan.ID, &scan.AccountID, &scan.ReservationID, &scan.TeamID,
		&scan.ImageName, &scan.Species, &scan.Disease, &scan.Confidence,
		&scan.Status, &scan.Overview, &scan.Treatment, &scan.Prevention, &scan.CreatedAt)
}

func (s *ScanService) respondScan(w http.ResponseWriter, scan *models.Scan) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"scan": scan})
}

func scanCacheKey(scanID string) string {
	return fmt.Sprintf("scan:%s", scanID)
}

func (s *ScanService) cachedScan(ctx context.Context, scanID, accountID string) *models.Scan {
	if s.redis == nil {
		return nil
	}
	data, err := s.redis.Get(ctx, scanCacheKey(scanID)).Bytes()
	if err != nil {
		return nil
	}
	var scan models.Scan
	if err := json.Unmarshal(data, &scan); err != nil || scan.AccountID != accountID {
		return nil
	}
	return &scan
}

func (s *ScanService) cacheScan(ctx context.Context, scan *models.Scan) {
	if s.redis == nil {
		return
	}
	data, err := json.Marshal(scan)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, scanCacheKey(scan.ID), data, 10*time.Minute).Err(); err != nil {
		log.Printf("[SCAN] failed to cache scan %s: %v", scan.ID, err)
	}
}

func (s *ScanService) dropCachedScan(ctx context.Context, scanID string) {
	if s.redis == nil {
		return
	}
	s.redis.Del(ctx, scanCacheKey(scanID))
}
