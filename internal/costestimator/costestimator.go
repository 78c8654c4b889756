// Package costestimator provides document-type detection, token estimation,
// and the predictive cost gate that rejects excessively expensive work
// before it runs. Estimates are deterministic for identical inputs.
package costestimator

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DocumentType is the coarse content category the estimator uses to pick a
// token-per-byte ratio.
type DocumentType string

const (
	DocPDF     DocumentType = "pdf"
	DocImage   DocumentType = "image"
	DocText    DocumentType = "text"
	DocWord    DocumentType = "word"
	DocUnknown DocumentType = "unknown"
)

// tokenRatios approximates tokens per byte of raw content, by document type.
var tokenRatios = map[DocumentType]float64{
	DocText:    0.25,
	DocPDF:     0.3,
	DocWord:    0.3,
	DocUnknown: 0.35,
}

const (
	baseSystemTokens  = 500
	outputTokensEst   = 1000
	imageBaseTokens   = 1000
	imageSizeCapBytes = 10 * 1024 * 1024
	imageBytesPerUnit = 200
)

// DetectDocumentType classifies by content type first, filename extension
// second.
func DetectDocumentType(filename, contentType string) DocumentType {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return DocImage
	case ct == "application/pdf":
		return DocPDF
	case ct == "text/plain" || ct == "text/csv":
		return DocText
	case strings.Contains(ct, "word") || strings.Contains(ct, "document"):
		return DocWord
	}

	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp":
		return DocImage
	case ".pdf":
		return DocPDF
	case ".txt", ".csv", ".md":
		return DocText
	case ".doc", ".docx":
		return DocWord
	}
	return DocUnknown
}

// ParseDocumentType validates a caller-supplied document-type string, such
// as the hint an archive task stamps on its children. Unknown strings report
// false so the caller falls back to detection.
func ParseDocumentType(s string) (DocumentType, bool) {
	switch t := DocumentType(s); t {
	case DocPDF, DocImage, DocText, DocWord, DocUnknown:
		return t, true
	default:
		return "", false
	}
}

// TokenEstimate is the result of estimating input tokens from file size.
type TokenEstimate struct {
	EstimatedTokens int
	DocumentType    DocumentType
	FileSizeBytes   int64
	Confidence      float64
}

// EstimateTokensFromFileSize predicts input tokens from a file's byte size:
// a flat-plus-capped-scale formula for images, a per-type byte ratio for
// everything else, plus the base system-prompt overhead.
func EstimateTokensFromFileSize(fileSizeBytes int64, docType DocumentType) TokenEstimate {
	var tokens int
	var confidence float64

	if docType == DocImage {
		sizeFactor := float64(fileSizeBytes) / (1024 * 1024)
		if sizeFactor > 10 {
			sizeFactor = 10
		}
		tokens = int(imageBaseTokens + sizeFactor*imageBytesPerUnit)
		confidence = 0.7
	} else {
		ratio := tokenRatios[docType]
		tokens = int(float64(fileSizeBytes) * ratio)
		confidence = 0.8
		if docType == DocUnknown {
			confidence = 0.6
		}
	}

	tokens += baseSystemTokens

	return TokenEstimate{
		EstimatedTokens: tokens,
		DocumentType:    docType,
		FileSizeBytes:   fileSizeBytes,
		Confidence:      confidence,
	}
}

// CostEstimate is the full estimation result, including the safety-factored
// ceiling the gate compares against.
type CostEstimate struct {
	EstimatedInputTokens  int
	EstimatedOutputTokens int
	TotalEstimatedTokens  int
	EstimatedCostUSD      float64
	MaxPossibleCostUSD    float64
	ModelName             string
	Provider              string
	Confidence            float64
}

// EstimateFromFileInfo is the size-based estimation path (safety factor
// 2.0), for when only the file's name, size, and content type are known.
func EstimateFromFileInfo(filename string, fileSizeBytes int64, model, provider, contentType string) CostEstimate {
	return EstimateForDocumentType(DetectDocumentType(filename, contentType), fileSizeBytes, model, provider)
}

// EstimateForDocumentType is EstimateFromFileInfo with the document type
// already known, skipping re-detection for callers that carry one through,
// such as a parse task hinted by the archive handler that created it.
func EstimateForDocumentType(docType DocumentType, fileSizeBytes int64, model, provider string) CostEstimate {
	tokenEst := EstimateTokensFromFileSize(fileSizeBytes, docType)
	pricing := DefaultPricingTable.Get(model)

	return buildEstimate(tokenEst, pricing, model, provider, 2.0)
}

// EstimateFromContent implements the content-based path (safety_factor = 1.5),
// used when the actual extracted text is already in hand.
func EstimateFromContent(content, model, provider string, docType DocumentType) CostEstimate {
	words := countWords(content)
	chars := len(content)

	ratio := tokenRatios[docType]
	if ratio == 0 {
		ratio = tokenRatios[DocText]
	}

	wordBased := int(float64(words) * 1.3)
	charBased := int(float64(chars) * ratio)
	tokens := (wordBased+charBased)/2 + baseSystemTokens

	tokenEst := TokenEstimate{
		EstimatedTokens: tokens,
		DocumentType:    docType,
		FileSizeBytes:   int64(len([]byte(content))),
		Confidence:      0.9,
	}
	pricing := DefaultPricingTable.Get(model)
	return buildEstimate(tokenEst, pricing, model, provider, 1.5)
}

func buildEstimate(tokenEst TokenEstimate, pricing ModelPricing, model, provider string, safetyFactor float64) CostEstimate {
	inputTokens := tokenEst.EstimatedTokens
	outputTokens := outputTokensEst
	totalTokens := inputTokens + outputTokens

	inputCost := float64(inputTokens) / 1000 * pricing.InputCostPer1K
	outputCost := float64(outputTokens) / 1000 * pricing.OutputCostPer1K
	estimatedCost := inputCost + outputCost
	maxCost := estimatedCost * safetyFactor

	return CostEstimate{
		EstimatedInputTokens:  inputTokens,
		EstimatedOutputTokens: outputTokens,
		TotalEstimatedTokens:  totalTokens,
		EstimatedCostUSD:      estimatedCost,
		MaxPossibleCostUSD:    maxCost,
		ModelName:             model,
		Provider:              provider,
		Confidence:            tokenEst.Confidence,
	}
}

func countWords(s string) int {
	return len(strings.Fields(s))
}

// ValidateCostLimit is the gate decision. A nil limit means no limit and
// always accepts; a non-positive limit is itself invalid.
func ValidateCostLimit(est CostEstimate, maxCostLimitUSD *float64) (bool, string) {
	if maxCostLimitUSD == nil {
		return true, ""
	}
	if *maxCostLimitUSD <= 0 {
		return false, "invalid limit: max_cost_limit must be greater than 0"
	}
	if est.MaxPossibleCostUSD > *maxCostLimitUSD {
		return false, fmt.Sprintf(
			"estimated processing cost ($%.4f) exceeds limit ($%.4f); estimated tokens: %d, model: %s",
			est.MaxPossibleCostUSD, *maxCostLimitUSD, est.TotalEstimatedTokens, est.ModelName,
		)
	}
	return true, ""
}
