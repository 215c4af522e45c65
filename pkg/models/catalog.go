package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID            int64                      `json:"id"`
	Name          string                     `json:"name"`
	Description   string                     `json:"description"`
	Price         decimal.Decimal            `json:"price"`
	StockQuantity int                        `json:"stock_quantity"`
	Category      string                     `json:"category"`
	SizeOptions   map[string]decimal.Decimal `json:"size_options,omitempty"`
	ShowInMenu    bool                       `json:"show_in_menu"`
	IsActive      bool                       `json:"is_active"`
	OutOfStock    bool                       `json:"out_of_stock"`
	CreatedAt     time.Time                  `json:"created_at"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

// PriceFor returns the price for a size label, falling back to the base
// price when the product has no such size.
func (p *Product) PriceFor(size string) decimal.Decimal {
	if size != "" {
		if price, ok := p.SizeOptions[size]; ok {
			return price
		}
	}
	return p.Price
}

type PeriodType string

const (
	PeriodDay   PeriodType = "day"
	PeriodWeek  PeriodType = "week"
	PeriodMonth PeriodType = "month"
	PeriodYear  PeriodType = "year"
)

var PeriodTypes = []PeriodType{PeriodDay, PeriodWeek, PeriodMonth, PeriodYear}

type SalesSummary struct {
	ID          int64           `json:"id"`
	PeriodType  PeriodType      `json:"period_type"`
	PeriodStart time.Time       `json:"period_start"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
