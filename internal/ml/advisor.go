package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Advice is the parsed agronomic guidance for a diagnosis.
type Advice struct {
	Overview   string
	Treatment  string
	Prevention string
}

// AdviceResult is a tagged parse outcome. Either Parsed is set, or the raw
// model output is preserved in Raw and the caller decides the fallback per
// field. There is no best-effort sentence-splitting in between.
type AdviceResult struct {
	Parsed *Advice
	Raw    string
}

func (r AdviceResult) Parseable() bool {
	return r.Parsed != nil
}

// Advisor produces agronomic advice for a diagnosis. Not metered: an advice
// failure never charges or refunds anything, the scan result simply ships
// without enrichment.
type Advisor interface {
	Advise(ctx context.Context, d Diagnosis) (AdviceResult, error)
}

// HTTPAdvisor calls a hosted chat-completions endpoint.
type HTTPAdvisor struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

func NewHTTPAdvisor(endpoint, apiKey, model string, timeout time.Duration) *HTTPAdvisor {
	return &HTTPAdvisor{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}
}

const advicePrompt = `You are an agronomist. A crop image was diagnosed as species %q with disease %q.
Respond with exactly three markdown sections, each starting at the line shown:
## Overview
## Treatment
## Prevention`

func (a *HTTPAdvisor) Advise(ctx context.Context, d Diagnosis) (AdviceResult, error) {
	payload := map[string]any{
		"model": a.model,
		"messages": []map[string]string{
			{"role": "user", "content": fmt.Sprintf(advicePrompt, d.Species, d.Disease)},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return AdviceResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return AdviceResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return AdviceResult{}, fmt.Errorf("advice request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return AdviceResult{}, fmt.Errorf("advice endpoint returned status %d", resp.StatusCode)
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return AdviceResult{}, fmt.Errorf("failed to decode advice response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return AdviceResult{}, fmt.Errorf("advice endpoint returned no choices")
	}

	return ParseAdvice(completion.Choices[0].Message.Content), nil
}

// Section headings the model is instructed to emit, in order.
var adviceSections = []string{"## Overview", "## Treatment", "## Prevention"}

// ParseAdvice parses the model output strictly against the requested section
// format. Any deviation yields an unparseable result carrying the raw text.
func ParseAdvice(text string) AdviceResult {
	raw := strings.TrimSpace(text)

	idx := make([]int, len(adviceSections))
	pos := 0
	for i, heading := range adviceSections {
		at := strings.Index(raw[pos:], heading)
		if at < 0 {
			return AdviceResult{Raw: raw}
		}
		idx[i] = pos + at
		pos = idx[i] + len(heading)
	}

	section := func(i int) string {
		start := idx[i] + len(adviceSections[i])
		end := len(raw)
		if i+1 < len(idx) {
			end = idx[i+1]
		}
		return strings.TrimSpace(raw[start:end])
	}

	advice := &Advice{
		Overview:   section(0),
		Treatment:  section(1),
		Prevention: section(2),
	}
	if advice.Overview == "" || advice.Treatment == "" || advice.Prevention == "" {
		return AdviceResult{Raw: raw}
	}
	return AdviceResult{Parsed: advice}
}
