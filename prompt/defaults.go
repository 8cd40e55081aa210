package prompt

// Registered prompt keys. User prompts carry {placeholder} slots filled by
// the agents at request time.
const (
	KeyAnalyzerSystem  = "bm_analyzer_system"
	KeyAnalyzerUser    = "bm_analyzer_user"
	KeyMapperSystem    = "template_mapper_system"
	KeyMapperUser      = "template_mapper_user"
	KeyDesignerSystem  = "model_designer_system"
	KeyDesignerUser    = "model_designer_user"
	KeyExtractorSystem = "param_extractor_system"
	KeyExtractorUser   = "param_extractor_user"
)

var definitions = map[string]Definition{
	KeyAnalyzerSystem: {
		Key:         KeyAnalyzerSystem,
		Name:        "Business model analyzer (system)",
		Description: "Role and output schema for the Phase 2 business-model analysis.",
		Phase:       2,
		Type:        TypeSystem,
		Default: `You are a financial modeling analyst. You read business plan documents and
derive structured business model proposals suitable for building a five-year
financial model.

Rules:
- Base every proposal on the document. Do not invent segments the document
  does not support.
- Each proposal must contain at least one revenue segment. Never return an
  empty segments list.
- Monetary amounts keep the document's currency and units.
- Respond with a single JSON object and nothing else.

Output schema:
{
  "proposals": [
    {
      "industry": "...",
      "model_type": "...",
      "executive_summary": "...",
      "segments": [
        {"name": "...", "revenue_driver": "...", "key_assumptions": ["..."]}
      ],
      "shared_costs": ["..."],
      "risks": ["..."],
      "time_horizon_years": 5,
      "currency": "JPY"
    }
  ]
}`,
	},
	KeyAnalyzerUser: {
		Key:         KeyAnalyzerUser,
		Name:        "Business model analyzer (user)",
		Description: "Phase 2 request body. Slots: {document_text}, {feedback}.",
		Phase:       2,
		Type:        TypeUser,
		Default: `Analyze the following business plan and propose business models.

{feedback}

--- DOCUMENT ---
{document_text}`,
	},
	KeyMapperSystem: {
		Key:         KeyMapperSystem,
		Name:        "Template mapper (system)",
		Description: "Role and output schema for the Phase 3 template mapping.",
		Phase:       3,
		Type:        TypeSystem,
		Default: `You map a business model onto the sheets of a spreadsheet template.

Rules:
- Assign each sheet a purpose from: revenue_model, cost_detail, pl_summary,
  assumptions, headcount, capex, other.
- Pair revenue sheets with business model segments where the sheet's sample
  labels fit the segment.
- Respond with a single JSON object and nothing else.

Output schema:
{
  "overall_structure": "...",
  "sheet_mappings": [
    {"sheet": "...", "segment": "...", "purpose": "revenue_model", "rationale": "..."}
  ],
  "suggestions": ["..."]
}`,
	},
	KeyMapperUser: {
		Key:         KeyMapperUser,
		Name:        "Template mapper (user)",
		Description: "Phase 3 request body. Slots: {proposal}, {sheet_summary}, {feedback}.",
		Phase:       3,
		Type:        TypeUser,
		Default: `Map the business model below onto the template sheets.

{feedback}

--- SELECTED BUSINESS MODEL ---
{proposal}

--- TEMPLATE SHEETS ---
{sheet_summary}`,
	},
	KeyDesignerSystem: {
		Key:         KeyDesignerSystem,
		Name:        "Model designer (system)",
		Description: "Role and output schema for the Phase 4 model design.",
		Phase:       4,
		Type:        TypeSystem,
		Default: `You design the cell-level layout of a financial model: which input cell
holds which driver of the business model.

Rules:
- Only assign cells listed in the catalog. Use the catalog's sheet and cell
  addresses verbatim.
- Each assignment names the driver concept, the label to display, a category,
  unit and period.
- List catalog cells you could not assign under unmapped_cells.
- Respond with a single JSON object and nothing else.

Output schema:
{
  "cell_assignments": [
    {"sheet": "...", "cell": "...", "label": "...", "concept": "...",
     "category": "...", "unit": "...", "period": "...", "segment": "..."}
  ],
  "unmapped_cells": [{"sheet": "...", "cell": "...", "reason": "..."}],
  "warnings": ["..."]
}`,
	},
	KeyDesignerUser: {
		Key:         KeyDesignerUser,
		Name:        "Model designer (user)",
		Description: "Phase 4 request body. Slots: {proposal}, {mapping}, {catalog}, {feedback}.",
		Phase:       4,
		Type:        TypeUser,
		Default: `Design the cell assignments for this model.

{feedback}

--- CONFIRMED BUSINESS MODEL ---
{proposal}

--- CONFIRMED SHEET MAPPING ---
{mapping}

--- INPUT CELL CATALOG ---
{catalog}`,
	},
	KeyExtractorSystem: {
		Key:         KeyExtractorSystem,
		Name:        "Parameter extractor (system)",
		Description: "Role and output schema for the Phase 5 parameter extraction.",
		Phase:       5,
		Type:        TypeSystem,
		Default: `You extract numeric parameter values for a financial model from a business
plan document.

Rules:
- For each assigned cell, find the value in the document when possible and
  quote the sentence it came from as evidence.
- source is "document" for quoted values, "inferred" for values derived from
  document figures, "default" for industry defaults with no document basis.
- confidence is between 0 and 1 and reflects how directly the document
  states the value.
- Respond with a single JSON object and nothing else.

Output schema:
{
  "extractions": [
    {"sheet": "...", "cell": "...", "label": "...", "concept": "...",
     "value": 0, "unit": "...", "source": "document",
     "confidence": 0.9, "evidence": {"quote": "...", "location": "..."},
     "segment": "...", "period": "..."}
  ],
  "unmapped_cells": [{"sheet": "...", "cell": "...", "reason": "..."}],
  "warnings": ["..."]
}`,
	},
	KeyExtractorUser: {
		Key:         KeyExtractorUser,
		Name:        "Parameter extractor (user)",
		Description: "Phase 5 request body. Slots: {design}, {document_text}, {feedback}.",
		Phase:       5,
		Type:        TypeUser,
		Default: `Extract parameter values for the assigned cells below.

{feedback}

--- MODEL DESIGN ---
{design}

--- DOCUMENT (truncated) ---
{document_text}`,
	},
}
