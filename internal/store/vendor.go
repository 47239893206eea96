// Copyright (c) 2026 Apflow Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/apflow/invoiceagent/internal/fault"
)

// Vendor is a hand-curated accounting profile. Vendors are never
// deleted in place; deactivation is Active=false.
type Vendor struct {
	NormalizedKey      string
	DisplayName        string
	ExpenseDept        string
	GLCode             string
	AllocationSchedule string
	BillingParty       string
	ProductCategory    string
	Active             bool
	SchemaVersion      string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// glCodePattern is the only legal GL code shape.
var glCodePattern = regexp.MustCompile(`^\d{4}$`)

// ValidGLCode reports whether code is exactly four digits.
func ValidGLCode(code string) bool {
	return glCodePattern.MatchString(code)
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeVendorKey derives the canonical lookup key from a vendor
// name: lowercase, non-alphanumeric runs collapsed to "_", trailing "_"
// trimmed.
func NormalizeVendorKey(name string) string {
	key := nonAlnum.ReplaceAllString(strings.ToLower(name), "_")
	return strings.Trim(key, "_")
}

// UpsertVendor inserts or updates a vendor by NormalizedKey. The
// existing Active flag is preserved unless overrideActive is set.
func (s *Store) UpsertVendor(ctx context.Context, v Vendor, overrideActive bool) error {
	if !ValidGLCode(v.GLCode) {
		return fault.New(fault.Validation, "gl code %q must be exactly 4 digits", v.GLCode)
	}
	if v.SchemaVersion == "" {
		v.SchemaVersion = "1.0"
	}

	activeExpr := "vendors.active"
	if overrideActive {
		activeExpr = "EXCLUDED.active"
	}

	return s.do(func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO vendors
				(normalized_key, display_name, expense_dept, gl_code,
				 allocation_schedule, billing_party, product_category, active, schema_version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (normalized_key) DO UPDATE SET
				display_name        = EXCLUDED.display_name,
				expense_dept        = EXCLUDED.expense_dept,
				gl_code             = EXCLUDED.gl_code,
				allocation_schedule = EXCLUDED.allocation_schedule,
				billing_party       = EXCLUDED.billing_party,
				product_category    = EXCLUDED.product_category,
				active              = `+activeExpr+`,
				schema_version      = EXCLUDED.schema_version,
				updated_at          = NOW()
		`, v.NormalizedKey, v.DisplayName, v.ExpenseDept, v.GLCode,
			v.AllocationSchedule, v.BillingParty, v.ProductCategory, v.Active, v.SchemaVersion)
		return err
	})
}

// GetVendor retrieves a vendor by normalized key. A missing vendor is a
// NotFound fault, which the enricher maps to the unknown path.
func (s *Store) GetVendor(ctx context.Context, normalizedKey string) (*Vendor, error) {
	var v Vendor
	err := s.do(func() error {
		row := s.pool.QueryRow(ctx, `
			SELECT normalized_key, display_name, expense_dept, gl_code,
			       allocation_schedule, billing_party, product_category,
			       active, schema_version, created_at, updated_at
			FROM vendors
			WHERE normalized_key = $1
		`, normalizedKey)
		err := row.Scan(
			&v.NormalizedKey, &v.DisplayName, &v.ExpenseDept, &v.GLCode,
			&v.AllocationSchedule, &v.BillingParty, &v.ProductCategory,
			&v.Active, &v.SchemaVersion, &v.CreatedAt, &v.UpdatedAt,
		)
		if err == pgx.ErrNoRows {
			return fault.New(fault.NotFound, "vendor %q not registered", normalizedKey)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}
