package batch

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/neolens/backend/internal/models"
)

// ExportFileName is the name offered for downloaded results.
const ExportFileName = "batch-results.json"

// normalize replaces nil sequences so they encode as empty lists.
func normalize(doc models.ResultsDocument) models.ResultsDocument {
	out := models.ResultsDocument{
		Results: make([]models.SuccessRecord, len(doc.Results)),
		Errors:  doc.Errors,
	}
	copy(out.Results, doc.Results)
	for i := range out.Results {
		if out.Results[i].Findings == nil {
			out.Results[i].Findings = []models.Finding{}
		}
	}
	if out.Errors == nil {
		out.Errors = []models.ErrorRecord{}
	}
	return out
}

// EncodeJSON renders doc with two-space indentation.
func EncodeJSON(doc models.ResultsDocument) ([]byte, error) {
	data, err := json.MarshalIndent(normalize(doc), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding results: %w", err)
	}
	return data, nil
}

// EncodeMsgpack renders doc as MessagePack using the json field names.
func EncodeMsgpack(doc models.ResultsDocument) ([]byte, error) {
	data, err := msgpack.Marshal(normalize(doc))
	if err != nil {
		return nil, fmt.Errorf("encoding results: %w", err)
	}
	return data, nil
}

// DecodeMsgpack parses a MessagePack results document.
func DecodeMsgpack(data []byte) (models.ResultsDocument, error) {
	var doc models.ResultsDocument
	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("decoding results: %w", err)
	}
	return doc, nil
}
