package amfi

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/fundscope/fundscope/pkg/db/models/funds"
)

// SchemeMeta is the metadata block of a per-scheme document.
type SchemeMeta struct {
	SchemeCode json.Number `json:"scheme_code"`
	SchemeName string      `json:"scheme_name"`
	Category   string      `json:"scheme_category"`
	FundHouse  string      `json:"fund_house"`
}

// SchemeDocument is the per-scheme history document: a metadata block plus a
// chronological list of date/nav pairs, most recent first.
type SchemeDocument struct {
	Meta SchemeMeta `json:"meta"`
	Data []struct {
		Date string `json:"date"`
		Nav  string `json:"nav"`
	} `json:"data"`
}

// ParseSchemeDocument decodes a per-scheme history document into NavPoints.
// Individual rows with malformed dates or non-positive NAVs are dropped; only
// an undecodable envelope (or a document where every row is bad despite rows
// being present) is an error, since that means the scheme produced nothing.
func ParseSchemeDocument(schemeCode string, doc []byte) ([]funds.NavPoint, *SchemeMeta, error) {
	var parsed SchemeDocument
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil, nil, fmt.Errorf("decode scheme document for %s: %w", schemeCode, err)
	}

	points := make([]funds.NavPoint, 0, len(parsed.Data))
	for _, row := range parsed.Data {
		value, err := strconv.ParseFloat(strings.TrimSpace(row.Nav), 64)
		if err != nil || value <= 0 {
			continue
		}
		date, err := ParseDocumentDate(row.Date)
		if err != nil {
			continue
		}
		points = append(points, funds.NavPoint{
			SchemeCode: schemeCode,
			Date:       date,
			Value:      value,
		})
	}

	if len(parsed.Data) > 0 && len(points) == 0 {
		return nil, nil, fmt.Errorf("scheme document for %s contained no parseable rows", schemeCode)
	}

	return points, &parsed.Meta, nil
}
