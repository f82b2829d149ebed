package model

import (
	"bytes"
	"encoding/json"
	"strings"
)

// RawNotice is one registry item as delivered by the PNCP API. Every field is
// optional; an empty string means the registry did not provide it.
type RawNotice struct {
	Title           string
	IssuingBody     string
	RegionCode      string
	Modality        string
	PublicationDate string
	SourceLink      string
	ControlNumber   string // numeroControlePNCP, the registry's own identifier
	EstimatedValue  string // valorEstimadoTotal as sent, usually a JSON number
	Description     string // full objetoCompra text
}

// Registry keys consulted for each field, in order of preference. Dotted
// entries descend into nested objects.
var (
	titleKeys         = []string{"objetoResumo", "objetoCompra"}
	issuingBodyKeys   = []string{"orgaoNome", "orgaoEntidade.razaoSocial"}
	regionKeys        = []string{"uf", "ufSigla", "unidadeOrgao.ufSigla"}
	modalityKeys      = []string{"modalidadeNome"}
	publicationKeys   = []string{"dataPublicacao", "dataPublicacaoPncp"}
	sourceLinkKeys    = []string{"linkPNCP", "linkSistemaOrigem"}
	controlNumberKeys = []string{"numeroControlePNCP"}
	estimatedKeys     = []string{"valorEstimadoTotal"}
	descriptionKeys   = []string{"objetoCompra"}
)

// UnmarshalJSON decodes a registry item leniently. It never fails: input that
// is not a JSON object decodes to the empty RawNotice, unknown keys are
// ignored, and scalar values of an unexpected type are kept as text.
func (r *RawNotice) UnmarshalJSON(b []byte) error {
	*r = RawNotice{}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil || obj == nil {
		return nil
	}

	r.Title = firstText(obj, titleKeys)
	r.IssuingBody = firstText(obj, issuingBodyKeys)
	r.RegionCode = firstText(obj, regionKeys)
	r.Modality = firstText(obj, modalityKeys)
	r.PublicationDate = firstText(obj, publicationKeys)
	r.SourceLink = firstText(obj, sourceLinkKeys)
	r.ControlNumber = firstText(obj, controlNumberKeys)
	r.EstimatedValue = firstText(obj, estimatedKeys)
	r.Description = firstText(obj, descriptionKeys)
	return nil
}

func firstText(obj map[string]json.RawMessage, keys []string) string {
	for _, k := range keys {
		if v := lookupText(obj, strings.Split(k, ".")); v != "" {
			return v
		}
	}
	return ""
}

func lookupText(obj map[string]json.RawMessage, path []string) string {
	raw, ok := obj[path[0]]
	if !ok {
		return ""
	}
	if len(path) == 1 {
		return scalarText(raw)
	}
	var nested map[string]json.RawMessage
	if err := json.Unmarshal(raw, &nested); err != nil || nested == nil {
		return ""
	}
	return lookupText(nested, path[1:])
}

// scalarText renders strings, numbers and booleans as trimmed text. Objects,
// arrays and null yield "".
func scalarText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	case '{', '[', 'n':
		return ""
	default:
		return string(raw)
	}
}
