package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const sampleCatalog = `
currency: BRL
products:
  - sku: JAN-CORRER
    name: Janela de correr
    aliases: [janela, janela de vidro]
    pricing: area
    unit_price: 450
    min_area_m2: 0.5
    min_width_cm: 40
    max_width_cm: 300
    min_height_cm: 40
    max_height_cm: 250
    weight_kg_per_m2: 12
    lead_time_days: 7
  - sku: PORTA-PIV
    name: Porta pivotante
    aliases: [porta]
    pricing: area
    unit_price: 900
    weight_kg_per_m2: 20
  - sku: PUX-INOX
    name: Puxador inox
    pricing: unit
    unit_price: 79.9
    weight_kg: 0.4
`

func mustParse(t *testing.T) *Catalog {
	t.Helper()
	c, err := Parse([]byte(sampleCatalog))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return c
}

func TestFind(t *testing.T) {
	c := mustParse(t)
	tests := []struct {
		query string
		sku   string
	}{
		{"JAN-CORRER", "JAN-CORRER"},
		{"janela", "JAN-CORRER"},
		{"Janéla de Vidro", "JAN-CORRER"},
		{"quero uma porta grande", "PORTA-PIV"},
		{"puxador inox", "PUX-INOX"},
	}
	for _, tt := range tests {
		p, err := c.Find(tt.query)
		if err != nil {
			t.Errorf("Find(%q) error: %v", tt.query, err)
			continue
		}
		if p.SKU != tt.sku {
			t.Errorf("Find(%q) = %s, want %s", tt.query, p.SKU, tt.sku)
		}
	}

	if _, err := c.Find("telhado"); !errors.Is(err, ErrProductNotFound) {
		t.Errorf("expected ErrProductNotFound, got %v", err)
	}
	if _, err := c.Find("  "); !errors.Is(err, ErrProductNotFound) {
		t.Errorf("expected ErrProductNotFound for blank query, got %v", err)
	}
}

func TestPriceArea(t *testing.T) {
	c := mustParse(t)
	p, _ := c.Find("janela")

	q, err := c.Price(p, 100, 120, 2)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if q.AreaM2 != 1.2 {
		t.Errorf("expected area 1.2, got %v", q.AreaM2)
	}
	if q.Total != 1080 {
		t.Errorf("expected total 1080, got %v", q.Total)
	}
	if q.WeightKg != 28.8 {
		t.Errorf("expected weight 28.8, got %v", q.WeightKg)
	}
	if q.Currency != "BRL" {
		t.Errorf("expected currency BRL, got %s", q.Currency)
	}

	// Small pieces are billed at the minimum area.
	q, err = c.Price(p, 50, 50, 1)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if q.AreaM2 != 0.5 || q.Total != 225 {
		t.Errorf("expected minimum area billing, got %+v", q)
	}

	if _, err := c.Price(p, 0, 120, 1); !errors.Is(err, ErrDimensionsRequired) {
		t.Errorf("expected ErrDimensionsRequired, got %v", err)
	}
	if _, err := c.Price(p, 500, 120, 1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
}

func TestPriceUnit(t *testing.T) {
	c := mustParse(t)
	p, _ := c.Find("PUX-INOX")
	q, err := c.Price(p, 0, 0, 3)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if q.Total != 239.7 || q.Quantity != 3 {
		t.Errorf("unexpected unit quote %+v", q)
	}
}

func TestParseRejectsBadCatalogs(t *testing.T) {
	cases := map[string]string{
		"missing sku":   "products:\n  - name: x\n",
		"duplicate sku": "products:\n  - sku: A\n  - sku: A\n",
		"bad pricing":   "products:\n  - sku: A\n    pricing: weight\n",
		"bad yaml":      "products: [",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(sampleCatalog), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(c.Products) != 3 {
		t.Fatalf("expected 3 products, got %d", len(c.Products))
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
