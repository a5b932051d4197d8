// Package document implements DocumentProcessor: PDF text extraction and
// thumbnail generation at upload time.
package document

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"strings"

	"github.com/disintegration/imageorient"
	"github.com/ledongthuc/pdf"
	"github.com/nfnt/resize"

	"github.com/thinkhq/think/pkg/errs"
)

const (
	defaultMaxThumbnailSize = 300
	thumbnailJPEGQuality    = 85
)

// ExtractPDFText reads every page of a PDF and returns the concatenated
// plain text plus the page count, rejecting documents whose extracted
// text is empty or whitespace-only.
func ExtractPDFText(data []byte) (string, int, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, errs.Wrap(errs.Validation, "cannot parse pdf", err)
	}

	pageCount := reader.NumPage()
	var parts []string
	for i := 1; i <= pageCount; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, text)
		}
	}

	content := strings.Join(parts, "\n\n")
	if strings.TrimSpace(content) == "" {
		return "", pageCount, errs.New(errs.Validation, "pdf contains no extractable text")
	}
	return content, pageCount, nil
}

// GenerateThumbnail renders an aspect-preserving JPEG thumbnail (longest
// side capped at maxSize, or defaultMaxThumbnailSize if maxSize <= 0) from
// the first page's embedded raster image, when one is present. If the
// first page carries no raster image, a flat placeholder thumbnail is
// synthesized instead of failing — upload rejection is reserved for "no
// extractable text", not "no thumbnail".
func GenerateThumbnail(data []byte, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = defaultMaxThumbnailSize
	}

	img, err := firstPageRasterImage(data)
	if err != nil || img == nil {
		img = placeholderImage(maxSize)
	}

	thumb := resize.Thumbnail(uint(maxSize), uint(maxSize), img, resize.Lanczos3)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: thumbnailJPEGQuality}); err != nil {
		return nil, fmt.Errorf("document: encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// firstPageRasterImage scans the first page's XObject resources for a
// DCTDecode (JPEG) image stream and decodes it EXIF-safe via imageorient.
// Returns (nil, nil) when no embedded raster image is found.
func firstPageRasterImage(data []byte) (image.Image, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	if reader.NumPage() < 1 {
		return nil, nil
	}
	page := reader.Page(1)
	if page.V.IsNull() {
		return nil, nil
	}

	resources := page.V.Key("Resources")
	xobjects := resources.Key("XObject")
	if xobjects.IsNull() {
		return nil, nil
	}

	for _, key := range xobjects.Keys() {
		obj := xobjects.Key(key)
		if obj.Key("Subtype").Name() != "Image" {
			continue
		}
		if !hasJPEGFilter(obj.Key("Filter")) {
			continue
		}

		r := obj.Reader()
		raw, err := io.ReadAll(r)
		r.Close()
		if err != nil || len(raw) == 0 {
			continue
		}

		img, _, err := imageorient.Decode(bytes.NewReader(raw))
		if err != nil {
			continue
		}
		return img, nil
	}
	return nil, nil
}

func hasJPEGFilter(filter pdf.Value) bool {
	if filter.Kind() == pdf.Name {
		return filter.Name() == "DCTDecode"
	}
	if filter.Kind() == pdf.Array {
		for i := 0; i < filter.Len(); i++ {
			if filter.Index(i).Name() == "DCTDecode" {
				return true
			}
		}
	}
	return false
}

// placeholderImage is a flat mid-gray square used when a PDF's first page
// carries no embedded raster image.
func placeholderImage(size int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	fill := color.RGBA{R: 0xd0, G: 0xd0, B: 0xd0, A: 0xff}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, fill)
		}
	}
	return img
}
