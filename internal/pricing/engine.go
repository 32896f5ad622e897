// Package pricing turns a service, its add-ons and an appointment type into a
// price breakdown. It holds no state beyond the catalog it was built with.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	ErrUnknownService    = errors.New("unknown service")
	ErrUnknownAddOn      = errors.New("unknown add-on")
	ErrServiceNotOffered = errors.New("service not offered for appointment type")
)

const (
	KindService  = "service"
	KindAddOn    = "add_on"
	KindFee      = "booking_fee"
	KindTax      = "tax"
	KindDiscount = "discount"
)

type LineItem struct {
	Code   string  `json:"code"`
	Label  string  `json:"label"`
	Kind   string  `json:"kind"`
	Amount float64 `json:"amount"`
}

type Quote struct {
	Currency   string     `json:"currency"`
	Items      []LineItem `json:"items"`
	Subtotal   float64    `json:"subtotal"`
	BookingFee float64    `json:"bookingFee"`
	Tax        float64    `json:"tax"`
	Discount   float64    `json:"discount"`
	Total      float64    `json:"total"`
}

type service struct {
	name  string
	price int64
	types map[string]struct{}
}

type Engine struct {
	currency   string
	bookingFee int64
	taxRate    float64
	services   map[string]service
	addOns     map[string]AddOn
	discounts  map[string]int64
}

func NewEngine(c Catalog) *Engine {
	e := &Engine{
		currency:   strings.ToUpper(c.Currency),
		bookingFee: toCents(c.BookingFee),
		taxRate:    c.TaxRate,
		services:   make(map[string]service, len(c.Services)),
		addOns:     make(map[string]AddOn, len(c.AddOns)),
		discounts:  make(map[string]int64, len(c.Discounts)),
	}
	for _, s := range c.Services {
		var types map[string]struct{}
		if len(s.Types) > 0 {
			types = make(map[string]struct{}, len(s.Types))
			for _, t := range s.Types {
				types[t] = struct{}{}
			}
		}
		e.services[s.Code] = service{name: s.Name, price: toCents(s.Price), types: types}
	}
	for _, a := range c.AddOns {
		e.addOns[a.Code] = a
	}
	for t, d := range c.Discounts {
		e.discounts[t] = toCents(d)
	}
	return e
}

// Quote prices a service for an appointment type:
// base + add-ons + booking fee + tax - discount, floored at zero.
// Tax applies to base, add-ons and the booking fee.
func (e *Engine) Quote(serviceCode string, addOns []string, appointmentType string) (Quote, error) {
	svc, ok := e.services[serviceCode]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %q", ErrUnknownService, serviceCode)
	}
	if svc.types != nil {
		if _, ok := svc.types[appointmentType]; !ok {
			return Quote{}, fmt.Errorf("%w: %s/%s", ErrServiceNotOffered, serviceCode, appointmentType)
		}
	}

	items := []LineItem{{Code: serviceCode, Label: svc.name, Kind: KindService, Amount: fromCents(svc.price)}}
	subtotal := svc.price

	seen := make(map[string]struct{}, len(addOns))
	for _, code := range addOns {
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		a, ok := e.addOns[code]
		if !ok {
			return Quote{}, fmt.Errorf("%w: %q", ErrUnknownAddOn, code)
		}
		price := toCents(a.Price)
		subtotal += price
		items = append(items, LineItem{Code: code, Label: a.Name, Kind: KindAddOn, Amount: fromCents(price)})
	}

	fee := e.bookingFee
	if fee > 0 {
		items = append(items, LineItem{Code: "BOOKING-FEE", Label: "Booking fee", Kind: KindFee, Amount: fromCents(fee)})
	}

	tax := int64(math.Round(float64(subtotal+fee) * e.taxRate))
	if tax > 0 {
		items = append(items, LineItem{Code: "TAX", Label: "Tax", Kind: KindTax, Amount: fromCents(tax)})
	}

	discount := e.discounts[appointmentType]
	if discount > 0 {
		items = append(items, LineItem{Code: "DISCOUNT-" + strings.ToUpper(appointmentType), Label: "Discount", Kind: KindDiscount, Amount: -fromCents(discount)})
	}

	total := subtotal + fee + tax - discount
	if total < 0 {
		total = 0
	}

	return Quote{
		Currency:   e.currency,
		Items:      items,
		Subtotal:   fromCents(subtotal),
		BookingFee: fromCents(fee),
		Tax:        fromCents(tax),
		Discount:   fromCents(discount),
		Total:      fromCents(total),
	}, nil
}

func fromCents(c int64) float64 {
	return float64(c) / 100
}
