package vision

import (
	"image"
	"image/color"
	"testing"
)

// createTestImage creates a dark image with a bright square subject
func createTestImage(width, height int, subject image.Rectangle) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if image.Pt(x, y).In(subject) {
				img.Set(x, y, color.RGBA{255, 255, 255, 255})
			} else {
				img.Set(x, y, color.RGBA{10, 10, 10, 255})
			}
		}
	}

	return img
}

func TestNew(t *testing.T) {
	detector := New()
	if detector == nil {
		t.Fatal("New() returned nil")
	}

	if detector.config.Threshold != 0.01 {
		t.Errorf("Expected threshold 0.01, got %f", detector.config.Threshold)
	}
}

func TestNewWithConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Keep = 0.5

	detector := NewWithConfig(cfg)
	if detector.config.Keep != 0.5 {
		t.Errorf("Expected keep 0.5, got %f", detector.config.Keep)
	}
}

func TestRegionCenter(t *testing.T) {
	region := Region{X: 10, Y: 20, Width: 100, Height: 80}

	centerX, centerY := region.Center()
	if centerX != 60 || centerY != 60 {
		t.Errorf("Expected center (60,60), got (%d,%d)", centerX, centerY)
	}
	if region.Area() != 8000 {
		t.Errorf("Expected area 8000, got %d", region.Area())
	}
	if region.Rect() != image.Rect(10, 20, 110, 100) {
		t.Errorf("unexpected rect %v", region.Rect())
	}
}

func TestLocateFindsSubject(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		subject       image.Rectangle
	}{
		{"small", 200, 150, image.Rect(120, 40, 170, 100)},
		{"downscaled", 1000, 800, image.Rect(200, 300, 450, 600)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := createTestImage(tt.width, tt.height, tt.subject)

			region, ok := New().Locate(img)
			if !ok {
				t.Fatal("expected a subject")
			}
			if !region.Rect().Overlaps(tt.subject) {
				t.Errorf("located %v does not overlap subject %v", region.Rect(), tt.subject)
			}
			if !region.Rect().In(img.Bounds()) {
				t.Errorf("located %v outside image %v", region.Rect(), img.Bounds())
			}
		})
	}
}

func TestLocateFlatImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 120, 90))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}

	if _, ok := New().Locate(img); ok {
		t.Error("flat black image should have no subject")
	}
}

func TestDetectSubjectsSorted(t *testing.T) {
	img := createTestImage(160, 120, image.Rect(40, 30, 100, 90))

	regions := New().DetectSubjects(img)
	if len(regions) == 0 {
		t.Fatal("expected regions")
	}
	for i := 1; i < len(regions); i++ {
		if regions[i].Score > regions[i-1].Score {
			t.Fatalf("regions not sorted at %d", i)
		}
	}
}

func TestDetectSubjectsTinyImage(t *testing.T) {
	if regions := New().DetectSubjects(image.NewRGBA(image.Rect(0, 0, 2, 2))); regions != nil {
		t.Errorf("expected no regions, got %d", len(regions))
	}
}

func BenchmarkLocate(b *testing.B) {
	detector := New()
	img := createTestImage(1200, 800, image.Rect(300, 200, 700, 600))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		detector.Locate(img)
	}
}
