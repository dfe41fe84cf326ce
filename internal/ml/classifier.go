package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Diagnosis is the classifier's verdict for one crop image.
type Diagnosis struct {
	Species    string  `json:"species"`
	Disease    string  `json:"disease"`
	Confidence float64 `json:"confidence"`
}

// Classifier is the metered external operation. The ledger treats it as a
// black box: it either returns a diagnosis or fails, and a failure means the
// caller must roll back the reservation that paid for the call.
type Classifier interface {
	Classify(ctx context.Context, imageData []byte) (*Diagnosis, error)
}

// HTTPClassifier calls a hosted inference endpoint. Constructed once at
// process start and passed to whoever needs it.
type HTTPClassifier struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPClassifier(endpoint, apiKey string, timeout time.Duration) *HTTPClassifier {
	return &HTTPClassifier{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClassifier) Classify(ctx context.Context, imageData []byte) (*Diagnosis, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(imageData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference endpoint returned status %d", resp.StatusCode)
	}

	// The endpoint returns candidate labels sorted by score; the top label is
	// encoded as "Species___Disease".
	var candidates []struct {
		Label string  `json:"label"`
		Score float64 `json:"score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&candidates); err != nil {
		return nil, fmt.Errorf("failed to decode inference response: %w", err)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("inference endpoint returned no candidates")
	}

	species, disease := splitLabel(candidates[0].Label)
	return &Diagnosis{
		Species:    species,
		Disease:    disease,
		Confidence: candidates[0].Score,
	}, nil
}

func splitLabel(label string) (species, disease string) {
	for i := 0; i+2 < len(label); i++ {
		if label[i] == '_' && label[i+1] == '_' && label[i+2] == '_' {
			return label[:i], label[i+3:]
		}
	}
	return label, "unknown"
}
