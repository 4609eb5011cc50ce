package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/resilience"
)

// ServiceAnalyzer calls a self-hosted OCR service that accepts the raw
// document bytes and answers with positioned table cells:
//
//	POST {url}?name=<document name>
//	{"text": "...", "page_count": 2, "confidence": 0.93,
//	 "tables": [{"cells": [{"row": 0, "column": 0, "kind": "header", "content": "SKU"}]}]}
type ServiceAnalyzer struct {
	url    string
	token  string
	client *http.Client
}

// NewServiceAnalyzer creates a ServiceAnalyzer. token is sent as a bearer
// token when set.
func NewServiceAnalyzer(serviceURL, token string) *ServiceAnalyzer {
	return &ServiceAnalyzer{url: serviceURL, token: token, client: &http.Client{}}
}

// Name implements Analyzer.
func (s *ServiceAnalyzer) Name() string { return "service" }

type serviceResponse struct {
	Text       string        `json:"text"`
	Tables     []model.Table `json:"tables"`
	PageCount  int           `json:"page_count"`
	Confidence float64       `json:"confidence"`
}

// Analyze posts the document and decodes the response. Cells with an unknown
// kind or negative coordinates reject the whole response.
func (s *ServiceAnalyzer) Analyze(ctx context.Context, doc Document) (*model.OCRPayload, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return nil, eris.Wrap(err, "ocr: parse service url")
	}
	if doc.Name != "" {
		q := u.Query()
		q.Set("name", doc.Name)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(doc.Data))
	if err != nil {
		return nil, eris.Wrap(err, "ocr: create service request")
	}
	contentType := doc.MediaType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "ocr: service call")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "ocr: read service response")
	}
	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("ocr: service returned %d: %s", resp.StatusCode, string(body))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var out serviceResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "ocr: decode service response")
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return nil, eris.Errorf("ocr: service confidence %v out of range", out.Confidence)
	}

	return &model.OCRPayload{
		Text:       out.Text,
		Tables:     out.Tables,
		PageCount:  out.PageCount,
		Confidence: out.Confidence,
	}, nil
}
