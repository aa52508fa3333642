package socrata

import (
	"encoding/json"
	"strings"
)

// ColumnMap names the dataset columns backing each logical field. SECOP I
// and SECOP II use different schemas for the same concepts.
type ColumnMap struct {
	ContractID string
	Entity     string
	Object     string
	Value      string
	Contractor string
	Date       string
	URL        string
}

// Source is one queryable Socrata dataset.
type Source struct {
	Name      string
	DatasetID string
	Cols      ColumnMap
}

// DefaultSources returns the SECOP datasets published on datos.gov.co.
func DefaultSources() []Source {
	return []Source{
		{
			Name:      "SECOP_I",
			DatasetID: "rpmr-utcd",
			Cols: ColumnMap{
				ContractID: "numero_del_contrato",
				Entity:     "nombre_de_la_entidad",
				Object:     "objeto_a_contratar",
				Value:      "valor_contrato",
				Contractor: "nom_raz_social_contratista",
				Date:       "fecha_de_firma_del_contrato",
				URL:        "url_contrato",
			},
		},
		{
			Name:      "SECOP_II",
			DatasetID: "jbjy-vk9h",
			Cols: ColumnMap{
				ContractID: "referencia_del_contrato",
				Entity:     "nombre_entidad",
				Object:     "objeto_del_contrato",
				Value:      "valor_del_contrato",
				Contractor: "proveedor_adjudicado",
				Date:       "fecha_de_firma",
				URL:        "urlproceso",
			},
		},
	}
}

// Row is one contract record in the response table. RowID is the upstream
// row identity (`:id`); Link is always resolved from the same upstream
// record that produced the row, never from its position in the result set.
type Row struct {
	RowID      string `json:"row_id"`
	Source     string `json:"source"`
	ContractID string `json:"id_contrato"`
	Entity     string `json:"entidad"`
	Object     string `json:"objeto"`
	Value      string `json:"valor"`
	Contractor string `json:"contratista"`
	Date       string `json:"fecha"`
	Link       string `json:"link,omitempty"`
}

// rawRow mirrors the $select aliases of the rows query. Depending on the
// dataset, the url field arrives as a plain string or a nested object.
type rawRow struct {
	RowID      string          `json:"row_id"`
	ContractID string          `json:"id_contrato"`
	Entity     string          `json:"entidad"`
	Object     string          `json:"objeto"`
	Value      string          `json:"valor"`
	Contractor string          `json:"contratista"`
	Date       string          `json:"fecha"`
	URL        json.RawMessage `json:"url"`
}

func (r rawRow) toRow(source string) Row {
	return Row{
		RowID:      r.RowID,
		Source:     strings.ReplaceAll(source, "_", " "),
		ContractID: r.ContractID,
		Entity:     r.Entity,
		Object:     r.Object,
		Value:      r.Value,
		Contractor: r.Contractor,
		Date:       r.Date,
		Link:       normalizeLink(r.URL),
	}
}

// normalizeLink extracts a usable URL from the row's own url field. Missing,
// null or placeholder values collapse to the empty string rather than
// leaking "nan"-style text into the response.
func normalizeLink(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return cleanLink(plain)
	}

	var nested struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil {
		return cleanLink(nested.URL)
	}

	return ""
}

func cleanLink(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "nan", "none", "null":
		return ""
	}
	return s
}

type countRow struct {
	Total string `json:"total"`
}
