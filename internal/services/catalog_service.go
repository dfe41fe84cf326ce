package services

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
)

// Crop is one supported crop in the classifier's label space.
type Crop struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	ImageData string `json:"imageData"`
}

const (
	cropImagesDir = "./static/crop-images"
	leafSVG       = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 200 200"><rect width="200" height="200" fill="#f0f7f0"/><path d="M100 40c-30 25-45 55-45 80 0 25 20 40 45 40s45-15 45-40c0-25-15-55-45-80zm0 105c-5-20-5-45 0-70" fill="none" stroke="#4a7c4e" stroke-width="6" stroke-linecap="round"/><text x="100" y="185" text-anchor="middle" font-family="Arial" font-size="14" fill="#4a7c4e">CROP</text></svg>`
)

var cropImages = map[string]string{
	"apple":       "apple.svg",
	"bell_pepper": "bell-pepper.svg",
	"cherry":      "cherry.svg",
	"corn":        "corn.svg",
	"grape":       "grape.svg",
	"peach":       "peach.svg",
	"potato":      "potato.svg",
	"raspberry":   "raspberry.svg",
	"soybean":     "soybean.svg",
	"squash":      "squash.svg",
	"strawberry":  "strawberry.svg",
	"tomato":      "tomato.svg",
}

// supportedCrops mirrors the species the classification model was trained on.
var supportedCrops = []Crop{
	{Code: "apple", Name: "Apple"},
	{Code: "bell_pepper", Name: "Bell Pepper"},
	{Code: "cherry", Name: "Cherry"},
	{Code: "corn", Name: "Corn (Maize)"},
	{Code: "grape", Name: "Grape"},
	{Code: "peach", Name: "Peach"},
	{Code: "potato", Name: "Potato"},
	{Code: "raspberry", Name: "Raspberry"},
	{Code: "soybean", Name: "Soybean"},
	{Code: "squash", Name: "Squash"},
	{Code: "strawberry", Name: "Strawberry"},
	{Code: "tomato", Name: "Tomato"},
}

type CatalogService struct{}

func NewCatalogService() *CatalogService {
	return &CatalogService{}
}

// GetSupportedCrops lists the crops the classifier supports
// @Summary List supported crops
// @Tags catalog
// @Produce json
// @Success 200 {array} Crop
// @Router /crops [get]
func (s *CatalogService) GetSupportedCrops(w http.ResponseWriter, r *http.Request) {
	crops := make([]Crop, 0, len(supportedCrops))
	for _, crop := range supportedCrops {
		crop.ImageData = loadCropImage(crop.Code)
		crops = append(crops, crop)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"crops": crops})
}

func loadCropImage(code string) string {
	file, ok := cropImages[code]
	if !ok {
		return base64.StdEncoding.EncodeToString([]byte(leafSVG))
	}
	data, err := os.ReadFile(filepath.Join(cropImagesDir, file))
	if err != nil {
		return base64.StdEncoding.EncodeToString([]byte(leafSVG))
	}
	return base64.StdEncoding.EncodeToString(data)
}
