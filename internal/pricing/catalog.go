package pricing

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog is the price list the engine quotes from. Amounts are major units
// in the file and converted to cents on load.
type Catalog struct {
	Currency   string             `yaml:"currency"`
	BookingFee float64            `yaml:"booking_fee"`
	TaxRate    float64            `yaml:"tax_rate"`
	Services   []Service          `yaml:"services"`
	AddOns     []AddOn            `yaml:"add_ons"`
	Discounts  map[string]float64 `yaml:"discounts"` // appointment type -> flat discount
}

type Service struct {
	Code  string   `yaml:"code"`
	Name  string   `yaml:"name"`
	Price float64  `yaml:"price"`
	Types []string `yaml:"types"` // empty means every appointment type
}

type AddOn struct {
	Code  string  `yaml:"code"`
	Name  string  `yaml:"name"`
	Price float64 `yaml:"price"`
}

// DefaultCatalog is used when no catalog file is configured.
func DefaultCatalog() Catalog {
	return Catalog{
		Currency:   "USD",
		BookingFee: 20,
		TaxRate:    0.08,
		Services: []Service{
			{Code: "GP-CONSULT", Name: "General consultation", Price: 200},
			{Code: "FOLLOW-UP", Name: "Follow-up visit", Price: 90, Types: []string{"clinic", "video", "audio", "chat"}},
			{Code: "DERM-REVIEW", Name: "Dermatology review", Price: 160, Types: []string{"clinic", "video"}},
			{Code: "HOME-CARE", Name: "Home care visit", Price: 260, Types: []string{"home"}},
		},
		AddOns: []AddOn{
			{Code: "LAB-PANEL", Name: "Basic lab panel", Price: 25},
			{Code: "E-PRESCRIPTION", Name: "Electronic prescription", Price: 10},
			{Code: "REPORT-PDF", Name: "Written visit report", Price: 15},
		},
		Discounts: map[string]float64{
			"chat": 30,
		},
	}
}

// LoadCatalog reads a YAML catalog from path.
func LoadCatalog(path string) (Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(raw)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(raw []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

func (c Catalog) validate() error {
	if strings.TrimSpace(c.Currency) == "" {
		return fmt.Errorf("catalog: currency is required")
	}
	if c.BookingFee < 0 || c.TaxRate < 0 {
		return fmt.Errorf("catalog: booking_fee and tax_rate must not be negative")
	}
	seen := make(map[string]struct{})
	for _, s := range c.Services {
		if s.Code == "" || s.Price < 0 {
			return fmt.Errorf("catalog: service %q needs a code and a non-negative price", s.Name)
		}
		if _, dup := seen[s.Code]; dup {
			return fmt.Errorf("catalog: duplicate code %q", s.Code)
		}
		seen[s.Code] = struct{}{}
	}
	for _, a := range c.AddOns {
		if a.Code == "" || a.Price < 0 {
			return fmt.Errorf("catalog: add-on %q needs a code and a non-negative price", a.Name)
		}
		if _, dup := seen[a.Code]; dup {
			return fmt.Errorf("catalog: duplicate code %q", a.Code)
		}
		seen[a.Code] = struct{}{}
	}
	return nil
}

func toCents(v float64) int64 {
	return int64(math.Round(v * 100))
}
