// Package validation applies the data-quality severity policy to a store snapshot.
package validation

import (
	"fmt"
	"math"

	"QuantFlow/internal/domain/models"
	domrepo "QuantFlow/internal/domain/repository"
	"QuantFlow/internal/services/features"
	"QuantFlow/pkg/util"
)

const (
	DefaultMaxNaNRatio  = 0.5
	DefaultMaxDailyMove = 0.5
	closeField          = "close"
)

// Validator checks price, indicator and signal tables. Errors block readiness;
// warnings are only reported.
type Validator struct {
	maxNaNRatio  float64
	maxDailyMove float64
}

// Option configures Validator.
type Option func(*Validator)

// WithMaxNaNRatio sets the missing-cell share above which a price field warns.
func WithMaxNaNRatio(r float64) Option { return func(v *Validator) { v.maxNaNRatio = r } }

// WithMaxDailyMove sets the absolute daily close return above which a ticker warns.
func WithMaxDailyMove(m float64) Option { return func(v *Validator) { v.maxDailyMove = m } }

func New(opts ...Option) *Validator {
	v := &Validator{maxNaNRatio: DefaultMaxNaNRatio, maxDailyMove: DefaultMaxDailyMove}
	for _, o := range opts {
		o(v)
	}
	return v
}

type report struct{ domrepo.ValidationReport }

func (r *report) add(sev domrepo.Severity, coll, field, format string, args ...any) {
	r.Issues = append(r.Issues, domrepo.ValidationIssue{
		Severity:   sev,
		Collection: coll,
		Field:      field,
		Message:    fmt.Sprintf(format, args...),
	})
}

// Validate runs every check. needSignal adds the signal checks.
func (v *Validator) Validate(snap models.Snapshot, needSignal bool) domrepo.ValidationReport {
	r := &report{}
	price := snap[models.CollectionPriceVolume]
	closeT := price[closeField]

	switch {
	case len(price) == 0:
		r.add(domrepo.SeverityError, models.CollectionPriceVolume, "", "price_volume is empty")
	case closeT == nil:
		r.add(domrepo.SeverityError, models.CollectionPriceVolume, closeField, "close prices missing")
	}

	for _, name := range price.Names() {
		t := price[name]
		if t.Empty() {
			r.add(domrepo.SeverityError, models.CollectionPriceVolume, name, "table has no rows")
			continue
		}
		if ratio := t.NaNRatio(); ratio > v.maxNaNRatio {
			r.add(domrepo.SeverityWarning, models.CollectionPriceVolume, name, "%.0f%% of cells are missing", ratio*100)
		}
		if closeT != nil && name != closeField && !t.SameIndex(closeT) {
			r.add(domrepo.SeverityWarning, models.CollectionPriceVolume, name, "dates differ from close")
		}
	}
	if !closeT.Empty() {
		v.checkMoves(r, closeT)
	}

	ind := snap[models.CollectionIndicators]
	for _, name := range ind.Names() {
		t := ind[name]
		if t.Empty() {
			r.add(domrepo.SeverityError, models.CollectionIndicators, name, "table has no rows")
			continue
		}
		if !closeT.Empty() && !t.SameIndex(closeT) {
			r.add(domrepo.SeverityWarning, models.CollectionIndicators, name, "dates differ from close")
		}
	}

	if needSignal {
		v.checkSignals(r, snap[models.CollectionSignal], closeT)
	}
	return r.ValidationReport
}

func (v *Validator) checkMoves(r *report, closeT *models.Table) {
	for _, col := range closeT.Columns {
		series, _ := closeT.Column(col)
		for i, ret := range features.SimpleReturns(series) {
			if !math.IsNaN(ret) && math.Abs(ret) > v.maxDailyMove {
				r.add(domrepo.SeverityWarning, models.CollectionPriceVolume, closeField,
					"%s moved %.0f%% on %s", col, ret*100, util.FormatDate(closeT.Index[i]))
				break
			}
		}
	}
}

func (v *Validator) checkSignals(r *report, signals models.FieldTables, closeT *models.Table) {
	if len(signals) == 0 {
		r.add(domrepo.SeverityError, models.CollectionSignal, "", "no signal generated")
		return
	}
	for _, name := range signals.Names() {
		t := signals[name]
		if t.Empty() {
			r.add(domrepo.SeverityError, models.CollectionSignal, name, "table has no rows")
			continue
		}
		if err := t.ValidateSignal(); err != nil {
			r.add(domrepo.SeverityError, models.CollectionSignal, name, "%v", err)
		}
		if closeT != nil {
			if !t.SameIndex(closeT) {
				r.add(domrepo.SeverityError, models.CollectionSignal, name, "dates not aligned with close")
			}
			for _, col := range t.Columns {
				if closeT.ColumnIndex(col) < 0 {
					r.add(domrepo.SeverityError, models.CollectionSignal, name, "ticker %s has no prices", col)
				}
			}
		}
		if allZero(t) {
			r.add(domrepo.SeverityWarning, models.CollectionSignal, name, "signal never trades")
		}
	}
}

func allZero(t *models.Table) bool {
	for _, row := range t.Values {
		for _, v := range row {
			if !math.IsNaN(v) && v != 0 {
				return false
			}
		}
	}
	return true
}

var _ domrepo.Validator = (*Validator)(nil)
