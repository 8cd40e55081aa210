package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/planforge/planforge/apperr"
	"github.com/planforge/planforge/store"
)

// TemplateScanner produces the writable-cell catalog for a template.
// Production wires a spreadsheet-reading implementation; the built-in static
// scanner covers the bundled templates.
type TemplateScanner interface {
	ScanTemplate(ctx context.Context, templateID string, colors map[string]string) ([]CatalogItem, error)
}

// DocumentSummary describes an ingested document for the scan response.
type DocumentSummary struct {
	TotalChars int    `json:"total_chars"`
	Pages      int    `json:"pages"`
	Preview    string `json:"preview"`
}

// ScanResult is the synchronous Phase 1 output.
type ScanResult struct {
	Catalog         []CatalogItem   `json:"catalog"`
	DocumentSummary DocumentSummary `json:"document_summary"`
}

// Scanner is the Phase 1 agent: template scan plus document ingest summary.
// It makes no LLM calls and runs synchronously.
type Scanner struct {
	templates TemplateScanner
	store     store.Store
	logger    *slog.Logger
}

// NewScanner creates the Phase 1 agent.
func NewScanner(templates TemplateScanner, s store.Store, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{templates: templates, store: s, logger: logger}
}

const previewLen = 200

// charsPerPage approximates page count for plain-text documents.
const charsPerPage = 1800

// Scan builds the catalog for the template and summarises the document.
func (s *Scanner) Scan(ctx context.Context, documentID, templateID string, colors map[string]string) (*ScanResult, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, apperr.New(apperr.KindNotFound, "document not found").WithCode("DOCUMENT_NOT_FOUND")
	}

	catalog, err := s.templates.ScanTemplate(ctx, templateID, colors)
	if err != nil {
		return nil, fmt.Errorf("scan template %s: %w", templateID, err)
	}

	text := []rune(doc.Text)
	preview := string(text)
	if len(text) > previewLen {
		preview = string(text[:previewLen])
	}
	pages := (len(text) + charsPerPage - 1) / charsPerPage
	if pages == 0 {
		pages = 1
	}

	s.logger.Debug("Template scan complete",
		"template_id", templateID, "cells", len(catalog), "doc_chars", len(text))

	return &ScanResult{
		Catalog: catalog,
		DocumentSummary: DocumentSummary{
			TotalChars: len(text),
			Pages:      pages,
			Preview:    preview,
		},
	}, nil
}

// StaticTemplateScanner serves the bundled template catalogs. Unknown ids
// fall back to the default template so a project can start without choosing
// one.
type StaticTemplateScanner struct{}

// DefaultTemplateID is used when a project never picked a template.
const DefaultTemplateID = "standard_5y"

// ScanTemplate returns the catalog for a bundled template.
func (StaticTemplateScanner) ScanTemplate(_ context.Context, templateID string, _ map[string]string) ([]CatalogItem, error) {
	if templateID == "" {
		templateID = DefaultTemplateID
	}
	catalog, ok := builtinTemplates[templateID]
	if !ok {
		catalog = builtinTemplates[DefaultTemplateID]
	}
	out := make([]CatalogItem, len(catalog))
	copy(out, catalog)
	return out, nil
}

// builtinTemplates maps template id to its writable input cells. The default
// is a five-year single-segment P&L with a revenue block and a cost block.
var builtinTemplates = map[string][]CatalogItem{
	DefaultTemplateID: {
		{Sheet: "Revenue", Cell: "C4", Label: "初年度売上高", CandidateLabels: []string{"FY1売上", "売上高"}, Unit: "円", Period: "FY1", Block: "revenue"},
		{Sheet: "Revenue", Cell: "C5", Label: "売上成長率", CandidateLabels: []string{"成長率", "YoY成長率"}, Unit: "%", Period: "FY1-FY5", Block: "revenue"},
		{Sheet: "Revenue", Cell: "C6", Label: "顧客単価", CandidateLabels: []string{"ARPU", "客単価"}, Unit: "円", Period: "FY1", Block: "revenue"},
		{Sheet: "Revenue", Cell: "C7", Label: "顧客数", CandidateLabels: []string{"契約数", "会員数"}, Unit: "件", Period: "FY1", Block: "revenue"},
		{Sheet: "Costs", Cell: "C4", Label: "売上原価率", CandidateLabels: []string{"原価率", "COGS率"}, Unit: "%", Period: "FY1-FY5", Block: "cost"},
		{Sheet: "Costs", Cell: "C5", Label: "初年度販管費", CandidateLabels: []string{"販管費", "固定費"}, Unit: "円", Period: "FY1", Block: "cost"},
		{Sheet: "Costs", Cell: "C6", Label: "販管費成長率", CandidateLabels: []string{"費用成長率"}, Unit: "%", Period: "FY1-FY5", Block: "cost"},
		{Sheet: "Costs", Cell: "C7", Label: "人員数", CandidateLabels: []string{"従業員数", "採用計画"}, Unit: "人", Period: "FY1", Block: "headcount"},
		{Sheet: "Assumptions", Cell: "B3", Label: "市場規模", CandidateLabels: []string{"TAM", "対象市場"}, Unit: "円", Period: "FY1", Block: "assumptions"},
		{Sheet: "Assumptions", Cell: "B4", Label: "市場シェア目標", CandidateLabels: []string{"シェア"}, Unit: "%", Period: "FY5", Block: "assumptions"},
	},
	"saas_v1": {
		{Sheet: "Revenue", Cell: "C4", Label: "初年度MRR", CandidateLabels: []string{"MRR", "月次経常収益"}, Unit: "円", Period: "FY1", Block: "revenue"},
		{Sheet: "Revenue", Cell: "C5", Label: "MRR成長率", CandidateLabels: []string{"成長率"}, Unit: "%", Period: "FY1-FY5", Block: "revenue"},
		{Sheet: "Revenue", Cell: "C6", Label: "解約率", CandidateLabels: []string{"チャーンレート", "churn"}, Unit: "%", Period: "FY1-FY5", Block: "revenue"},
		{Sheet: "Revenue", Cell: "C7", Label: "顧客獲得数", CandidateLabels: []string{"新規契約数"}, Unit: "件", Period: "FY1", Block: "revenue"},
		{Sheet: "Costs", Cell: "C4", Label: "売上原価率", CandidateLabels: []string{"原価率"}, Unit: "%", Period: "FY1-FY5", Block: "cost"},
		{Sheet: "Costs", Cell: "C5", Label: "CAC", CandidateLabels: []string{"顧客獲得コスト"}, Unit: "円", Period: "FY1", Block: "cost"},
		{Sheet: "Costs", Cell: "C6", Label: "初年度販管費", CandidateLabels: []string{"販管費"}, Unit: "円", Period: "FY1", Block: "cost"},
		{Sheet: "Costs", Cell: "C7", Label: "販管費成長率", CandidateLabels: []string{"費用成長率"}, Unit: "%", Period: "FY1-FY5", Block: "cost"},
	},
}
