/*
totals.go - Deterministic totals calculation

PURPOSE:
  Turns line items and document pricing into the itemized breakdown stored
  on the header. Pure: no I/O, no clock, identical inputs give identical
  outputs.

STEPS:
  1. Split items into main lines and options. Options are counted for
     display and never reach the totals.
  2. Per main line:
       gross     = price × quantity
       discount  = percentage ? gross × d/100 : d × quantity
       after     = gross − discount
     subTotal += gross, itemDiscountTotal += discount, taxable += after.
     Unit prices are tax inclusive, so item tax rates are not added here.
  3. base = taxable + shipping
     globalDiscount = percentage ? base × g/100 : g
  4. beforeRounding = base − globalDiscount
  5. Currency rounding on the paise: fraction in (0, 0.5] rounds down,
     (0.5, 1) rounds up. The signed adjustment is roundOff.
  6. gst = (beforeRounding + roundOff) × outputTaxRate/100, shown separately.
  7. final = beforeRounding + roundOff + gst

  Accumulation is exact decimal. Outputs are rounded to 2 places.

EXAMPLE:
  price 100, qty 2, discount 10 percent
    gross 200, discount 20, taxable 180
*/
package document

import "github.com/shopspring/decimal"

const moneyPlaces = 2

var (
	hundred = decimal.NewFromInt(100)
	half    = decimal.NewFromFloat(0.5)
)

// LineAmounts is the per-line breakdown of step 2.
type LineAmounts struct {
	Gross         decimal.Decimal
	Discount      decimal.Decimal
	AfterDiscount decimal.Decimal
}

// ComputeLine prices a single line. It ignores whether the line is an option.
func ComputeLine(it Item) LineAmounts {
	gross := it.UnitPrice.Mul(it.Quantity)

	var discount decimal.Decimal
	if it.DiscountKind == DiscountPercentage {
		discount = gross.Mul(it.Discount).Div(hundred)
	} else {
		discount = it.Discount.Mul(it.Quantity)
	}

	return LineAmounts{
		Gross:         gross,
		Discount:      discount,
		AfterDiscount: gross.Sub(discount),
	}
}

// ComputeTotals computes the full breakdown for items under pricing.
func ComputeTotals(items []Item, p Pricing) Totals {
	var (
		subTotal      = decimal.Zero
		itemDiscount  = decimal.Zero
		taxableAmount = decimal.Zero
		optionTotal   = decimal.Zero
		optionCount   int
	)

	for _, it := range items {
		line := ComputeLine(it)
		if it.IsOption() {
			optionCount++
			optionTotal = optionTotal.Add(line.AfterDiscount)
			continue
		}
		subTotal = subTotal.Add(line.Gross)
		itemDiscount = itemDiscount.Add(line.Discount)
		taxableAmount = taxableAmount.Add(line.AfterDiscount)
	}

	base := taxableAmount.Add(p.Shipping)

	var globalDiscount decimal.Decimal
	if p.GlobalDiscountKind == DiscountPercentage {
		globalDiscount = base.Mul(p.GlobalDiscount).Div(hundred)
	} else {
		globalDiscount = p.GlobalDiscount
	}

	beforeRounding := base.Sub(globalDiscount).Round(moneyPlaces)
	roundOff := RoundOff(beforeRounding)
	rounded := beforeRounding.Add(roundOff)

	gst := rounded.Mul(p.OutputTaxRate).Div(hundred).Round(moneyPlaces)

	return Totals{
		SubTotal:             subTotal.Round(moneyPlaces),
		ItemDiscountTotal:    itemDiscount.Round(moneyPlaces),
		TaxableAmount:        taxableAmount.Round(moneyPlaces),
		Shipping:             p.Shipping.Round(moneyPlaces),
		GlobalDiscountAmount: globalDiscount.Round(moneyPlaces),
		AmountBeforeRounding: beforeRounding,
		RoundOff:             roundOff,
		GSTAmount:            gst,
		FinalAmount:          rounded.Add(gst),
		OptionCount:          optionCount,
		OptionTotal:          optionTotal.Round(moneyPlaces),
	}
}

// RoundOff returns the signed adjustment that brings amount to a whole unit.
// A fraction in (0, 0.5] rounds down, a fraction in (0.5, 1) rounds up.
func RoundOff(amount decimal.Decimal) decimal.Decimal {
	frac := amount.Sub(amount.Floor())
	switch {
	case frac.IsZero():
		return decimal.Zero
	case frac.LessThanOrEqual(half):
		return frac.Neg()
	default:
		return decimal.NewFromInt(1).Sub(frac)
	}
}

// PriceItems fills LineTotal on every line and returns a new slice.
func PriceItems(items []Item) []Item {
	out := cloneItems(items)
	for i := range out {
		out[i].LineTotal = ComputeLine(out[i]).AfterDiscount.Round(moneyPlaces)
	}
	return out
}
