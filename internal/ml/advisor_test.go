package ml

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseAdvice(t *testing.T) {
	t.Run("well-formed output parses into sections", func(t *testing.T) {
		text := `## Overview
Early blight is a common fungal disease of tomato.
## Treatment
Remove affected foliage and apply a copper-based fungicide.
## Prevention
Rotate crops and water at the base of the plant.`

		result := ParseAdvice(text)
		assert.True(t, result.Parseable())
		assert.Equal(t, "Early blight is a common fungal disease of tomato.", result.Parsed.Overview)
		assert.Contains(t, result.Parsed.Treatment, "copper-based fungicide")
		assert.Contains(t, result.Parsed.Prevention, "Rotate crops")
	})

	t.Run("leading chatter before the first heading is tolerated", func(t *testing.T) {
		text := `Sure, here is the guidance you asked for.
## Overview
A fungal disease.
## Treatment
Apply fungicide.
## Prevention
Rotate crops.`

		result := ParseAdvice(text)
		assert.True(t, result.Parseable())
		assert.Equal(t, "A fungal disease.", result.Parsed.Overview)
	})

	t.Run("missing heading is unparseable", func(t *testing.T) {
		text := `## Overview
A fungal disease.
## Prevention
Rotate crops.`

		result := ParseAdvice(text)
		assert.False(t, result.Parseable())
		assert.Contains(t, result.Raw, "A fungal disease.")
	})

	t.Run("headings out of order are unparseable", func(t *testing.T) {
		text := `## Treatment
Apply fungicide.
## Overview
A fungal disease.
## Prevention
Rotate crops.`

		result := ParseAdvice(text)
		assert.False(t, result.Parseable())
	})

	t.Run("empty section is unparseable", func(t *testing.T) {
		text := `## Overview
A fungal disease.
## Treatment
## Prevention
Rotate crops.`

		result := ParseAdvice(text)
		assert.False(t, result.Parseable())
	})

	t.Run("free-form prose is unparseable and preserved", func(t *testing.T) {
		text := "The plant looks sick. You should probably spray something."

		result := ParseAdvice(text)
		assert.False(t, result.Parseable())
		assert.Equal(t, text, result.Raw)
	})
}

func TestHTTPAdvisor_Advise(t *testing.T) {
	t.Run("successful completion is parsed", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

			var payload map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "test-model", payload["model"])

			json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{
					{"message": map[string]string{
						"content": "## Overview\nA disease.\n## Treatment\nTreat it.\n## Prevention\nPrevent it.",
					}},
				},
			})
		}))
		defer server.Close()

		advisor := NewHTTPAdvisor(server.URL, "test-key", "test-model", 5*time.Second)
		result, err := advisor.Advise(context.Background(), Diagnosis{Species: "Tomato", Disease: "Early blight"})
		assert.NoError(t, err)
		assert.True(t, result.Parseable())
		assert.Equal(t, "A disease.", result.Parsed.Overview)
	})

	t.Run("non-200 response is an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		advisor := NewHTTPAdvisor(server.URL, "test-key", "test-model", 5*time.Second)
		_, err := advisor.Advise(context.Background(), Diagnosis{Species: "Tomato", Disease: "Early blight"})
		assert.Error(t, err)
	})
}
