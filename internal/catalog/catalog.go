// Package catalog loads the product catalog and prices products.
package catalog

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

var (
	// ErrProductNotFound is returned when no product matches a query.
	ErrProductNotFound = errors.New("product not found")
	// ErrDimensionsRequired is returned when an area-priced product is quoted
	// without width and height.
	ErrDimensionsRequired = errors.New("width and height are required")
	// ErrOutOfRange is returned for dimensions outside the product limits.
	ErrOutOfRange = errors.New("dimensions out of range")
)

// Pricing modes.
const (
	PricingArea = "area" // price per square meter
	PricingUnit = "unit" // price per piece
)

// Product is one sellable item.
type Product struct {
	SKU           string   `yaml:"sku" json:"sku"`
	Name          string   `yaml:"name" json:"name"`
	Aliases       []string `yaml:"aliases" json:"-"`
	Pricing       string   `yaml:"pricing" json:"pricing"`
	UnitPrice     float64  `yaml:"unit_price" json:"unit_price"`
	MinAreaM2     float64  `yaml:"min_area_m2" json:"-"`
	MinWidthCm    float64  `yaml:"min_width_cm" json:"-"`
	MaxWidthCm    float64  `yaml:"max_width_cm" json:"-"`
	MinHeightCm   float64  `yaml:"min_height_cm" json:"-"`
	MaxHeightCm   float64  `yaml:"max_height_cm" json:"-"`
	WeightKg      float64  `yaml:"weight_kg" json:"-"`        // per unit
	WeightKgPerM2 float64  `yaml:"weight_kg_per_m2" json:"-"` // per square meter
	LeadTimeDays  int      `yaml:"lead_time_days" json:"lead_time_days"`
}

// Catalog is an immutable, in-memory product list.
type Catalog struct {
	Currency string    `yaml:"currency"`
	Products []Product `yaml:"products"`
}

// Quote is the computed price for a product request.
type Quote struct {
	SKU          string  `json:"sku"`
	Product      string  `json:"product"`
	Quantity     int     `json:"quantity"`
	AreaM2       float64 `json:"area_m2,omitempty"`
	UnitPrice    float64 `json:"unit_price"`
	Total        float64 `json:"total"`
	Currency     string  `json:"currency"`
	WeightKg     float64 `json:"weight_kg"`
	LeadTimeDays int     `json:"lead_time_days,omitempty"`
}

// Load reads a YAML catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if c.Currency == "" {
		c.Currency = "BRL"
	}
	seen := map[string]struct{}{}
	for i := range c.Products {
		p := &c.Products[i]
		if p.SKU == "" {
			return nil, fmt.Errorf("parse catalog: product %d has no sku", i)
		}
		if _, dup := seen[p.SKU]; dup {
			return nil, fmt.Errorf("parse catalog: duplicate sku %q", p.SKU)
		}
		seen[p.SKU] = struct{}{}
		if p.Pricing == "" {
			p.Pricing = PricingUnit
		}
		if p.Pricing != PricingArea && p.Pricing != PricingUnit {
			return nil, fmt.Errorf("parse catalog: sku %q has unknown pricing %q", p.SKU, p.Pricing)
		}
	}
	return &c, nil
}

// Find returns the best product match for a free-text query: exact sku,
// then exact name or alias, then the longest name or alias contained in
// the query.
func (c *Catalog) Find(query string) (*Product, error) {
	q := fold(query)
	if q == "" {
		return nil, ErrProductNotFound
	}
	for i := range c.Products {
		if fold(c.Products[i].SKU) == q {
			return &c.Products[i], nil
		}
	}
	type candidate struct {
		p     *Product
		score int
	}
	var cands []candidate
	for i := range c.Products {
		p := &c.Products[i]
		for _, name := range append([]string{p.Name}, p.Aliases...) {
			n := fold(name)
			if n == "" {
				continue
			}
			switch {
			case n == q:
				return p, nil
			case strings.Contains(q, n) || strings.Contains(n, q):
				cands = append(cands, candidate{p: p, score: len(n)})
			}
		}
	}
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrProductNotFound, query)
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	return cands[0].p, nil
}

// Price computes a quote. Dimensions are ignored for unit-priced products.
func (c *Catalog) Price(p *Product, widthCm, heightCm float64, qty int) (*Quote, error) {
	if qty <= 0 {
		qty = 1
	}
	q := &Quote{
		SKU:          p.SKU,
		Product:      p.Name,
		Quantity:     qty,
		UnitPrice:    p.UnitPrice,
		Currency:     c.Currency,
		LeadTimeDays: p.LeadTimeDays,
	}
	switch p.Pricing {
	case PricingArea:
		if widthCm <= 0 || heightCm <= 0 {
			return nil, ErrDimensionsRequired
		}
		if (p.MinWidthCm > 0 && widthCm < p.MinWidthCm) || (p.MaxWidthCm > 0 && widthCm > p.MaxWidthCm) ||
			(p.MinHeightCm > 0 && heightCm < p.MinHeightCm) || (p.MaxHeightCm > 0 && heightCm > p.MaxHeightCm) {
			return nil, fmt.Errorf("%w: %s accepts width %.0f-%.0f cm and height %.0f-%.0f cm",
				ErrOutOfRange, p.Name, p.MinWidthCm, p.MaxWidthCm, p.MinHeightCm, p.MaxHeightCm)
		}
		area := widthCm * heightCm / 10000
		if area < p.MinAreaM2 {
			area = p.MinAreaM2
		}
		q.AreaM2 = round2(area)
		q.Total = round2(area * p.UnitPrice * float64(qty))
		q.WeightKg = round2(area*p.WeightKgPerM2*float64(qty) + p.WeightKg*float64(qty))
	default:
		q.Total = round2(p.UnitPrice * float64(qty))
		q.WeightKg = round2(p.WeightKg * float64(qty))
	}
	return q, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// fold lowercases and strips diacritics so "Janela" matches "janéla".
func fold(s string) string {
	var b strings.Builder
	for _, r := range norm.NFD.String(strings.ToLower(strings.TrimSpace(s))) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
