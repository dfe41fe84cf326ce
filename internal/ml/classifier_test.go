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

func TestHTTPClassifier_Classify(t *testing.T) {
	t.Run("top candidate becomes the diagnosis", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
			assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))

			json.NewEncoder(w).Encode([]map[string]any{
				{"label": "Tomato___Early_blight", "score": 0.93},
				{"label": "Tomato___healthy", "score": 0.04},
			})
		}))
		defer server.Close()

		classifier := NewHTTPClassifier(server.URL, "test-key", 5*time.Second)
		d, err := classifier.Classify(context.Background(), []byte("image-bytes"))
		assert.NoError(t, err)
		assert.Equal(t, "Tomato", d.Species)
		assert.Equal(t, "Early_blight", d.Disease)
		assert.InDelta(t, 0.93, d.Confidence, 0.001)
	})

	t.Run("non-200 response is an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		classifier := NewHTTPClassifier(server.URL, "test-key", 5*time.Second)
		_, err := classifier.Classify(context.Background(), []byte("image-bytes"))
		assert.Error(t, err)
	})

	t.Run("empty candidate list is an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode([]map[string]any{})
		}))
		defer server.Close()

		classifier := NewHTTPClassifier(server.URL, "test-key", 5*time.Second)
		_, err := classifier.Classify(context.Background(), []byte("image-bytes"))
		assert.Error(t, err)
	})
}

func TestSplitLabel(t *testing.T) {
	t.Run("standard label", func(t *testing.T) {
		species, disease := splitLabel("Pepper_bell___Bacterial_spot")
		assert.Equal(t, "Pepper_bell", species)
		assert.Equal(t, "Bacterial_spot", disease)
	})

	t.Run("label without separator", func(t *testing.T) {
		species, disease := splitLabel("Tomato")
		assert.Equal(t, "Tomato", species)
		assert.Equal(t, "unknown", disease)
	})
}
