// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/variantlink/pkg/validation"
	"github.com/AleutianAI/variantlink/services/variantlink/model"
	badgerstore "github.com/AleutianAI/variantlink/services/variantlink/storage/badger"
	"github.com/AleutianAI/variantlink/services/variantlink/telemetry"
)

const storeTracerName = "variantlink.catalog"

// Key layout. Every record is JSON.
//
//	v1/product/{pid}/meta           Product
//	v1/product/{pid}/variant/{vid}  model.Variant
//	v1/product/{pid}/group/{gid}    model.SelectionGroup (options + links)
const keyRoot = "v1/product/"

func productKey(pid model.ProductID) []byte {
	return []byte(keyRoot + string(pid) + "/meta")
}

func variantPrefix(pid model.ProductID) []byte {
	return []byte(keyRoot + string(pid) + "/variant/")
}

func variantKey(pid model.ProductID, vid model.VariantID) []byte {
	return append(variantPrefix(pid), string(vid)...)
}

func groupPrefix(pid model.ProductID) []byte {
	return []byte(keyRoot + string(pid) + "/group/")
}

func groupKey(pid model.ProductID, gid model.GroupID) []byte {
	return append(groupPrefix(pid), string(gid)...)
}

// Product is the stored product header.
type Product struct {
	ID   model.ProductID `json:"id" yaml:"id"`
	Name string          `json:"name" yaml:"name"`
}

// =============================================================================
// Store
// =============================================================================

// Store is the BadgerDB-backed system of record for variants, groups and
// option links.
//
// # Description
//
// Each LinkVariants/UnlinkVariants call is one read-modify-write transaction
// on the group record, so a call is atomic and concurrent calls on the same
// group serialize through Badger's conflict detection.
//
// With strict exclusivity enabled, LinkVariants rejects the whole call with
// ErrExclusivityConflict when any variant is linked to another option of the
// group. Without it the store accepts the link and the double link is left
// for the invariant scan to report.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	db     *badgerstore.DB
	logger *slog.Logger
	strict bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger. Default: slog.Default().
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStrictExclusivity makes LinkVariants reject links that would create a
// double link within a group.
func WithStrictExclusivity(strict bool) StoreOption {
	return func(s *Store) { s.strict = strict }
}

// NewStore wraps an open database. The caller owns db and closes it.
func NewStore(db *badgerstore.DB, opts ...StoreOption) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Strict reports whether strict exclusivity is enabled.
func (s *Store) Strict() bool { return s.strict }

// =============================================================================
// Writes used by seeding
// =============================================================================

// PutProduct creates or replaces the product header.
func (s *Store) PutProduct(ctx context.Context, p Product) error {
	if err := validID("product", string(p.ID)); err != nil {
		return err
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return badgerstore.SetJSON(txn, productKey(p.ID), p)
	})
}

// PutVariants creates or replaces variants of one product.
func (s *Store) PutVariants(ctx context.Context, productID model.ProductID, variants []model.Variant) error {
	if err := validID("product", string(productID)); err != nil {
		return err
	}
	for _, v := range variants {
		if err := validID("variant", string(v.ID)); err != nil {
			return err
		}
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := ensureProduct(txn, productID); err != nil {
			return err
		}
		for _, v := range variants {
			v.ProductID = productID
			if err := badgerstore.SetJSON(txn, variantKey(productID, v.ID), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutGroup creates or replaces a selection group including its links.
//
// Links are stored as given, duplicates within an option removed. No
// exclusivity check is made; seeded data may carry pre-existing violations.
func (s *Store) PutGroup(ctx context.Context, g model.SelectionGroup) error {
	if err := validID("product", string(g.ProductID)); err != nil {
		return err
	}
	if err := validID("group", string(g.ID)); err != nil {
		return err
	}
	g = g.Clone()
	seen := make(map[model.OptionID]bool, len(g.Options))
	for i, opt := range g.Options {
		if err := validID("option", string(opt.ID)); err != nil {
			return err
		}
		if seen[opt.ID] {
			return fmt.Errorf("%w: duplicate option %s in group %s", ErrInvalidInput, opt.ID, g.ID)
		}
		seen[opt.ID] = true
		g.Options[i].LinkedVariantIDs = opt.Linked().IDs()
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := ensureProduct(txn, g.ProductID); err != nil {
			return err
		}
		return badgerstore.SetJSON(txn, groupKey(g.ProductID, g.ID), g)
	})
}

func ensureProduct(txn *badger.Txn, pid model.ProductID) error {
	var p Product
	err := badgerstore.GetJSON(txn, productKey(pid), &p)
	if errors.Is(err, badgerstore.ErrKeyNotFound) {
		return badgerstore.SetJSON(txn, productKey(pid), Product{ID: pid})
	}
	return err
}

// =============================================================================
// Reads
// =============================================================================

// Product returns the product header.
func (s *Store) Product(ctx context.Context, productID model.ProductID) (Product, error) {
	var p Product
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getProduct(txn, productID, &p)
	})
	return p, err
}

// FetchGroupDetail implements Reader.
func (s *Store) FetchGroupDetail(ctx context.Context, productID model.ProductID, groupID model.GroupID) (model.SelectionGroup, error) {
	ctx, span := s.startSpan(ctx, "Store.FetchGroupDetail",
		attribute.String("product_id", string(productID)),
		attribute.String("group_id", string(groupID)))
	defer span.End()

	var g model.SelectionGroup
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getGroup(txn, productID, groupID, &g)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return model.SelectionGroup{}, err
	}
	return g, nil
}

// FetchAllVariants implements Reader. Variants are returned in id order.
func (s *Store) FetchAllVariants(ctx context.Context, productID model.ProductID) ([]model.Variant, error) {
	ctx, span := s.startSpan(ctx, "Store.FetchAllVariants",
		attribute.String("product_id", string(productID)))
	defer span.End()

	variants := []model.Variant{}
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var p Product
		if err := getProduct(txn, productID, &p); err != nil {
			return err
		}
		return badgerstore.ScanJSON(txn, variantPrefix(productID), func(decode func(any) error) error {
			var v model.Variant
			if err := decode(&v); err != nil {
				return err
			}
			variants = append(variants, v)
			return nil
		})
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("variant_count", len(variants)))
	return variants, nil
}

// ListGroups returns every group of the product in id order.
func (s *Store) ListGroups(ctx context.Context, productID model.ProductID) ([]model.SelectionGroup, error) {
	groups := []model.SelectionGroup{}
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var p Product
		if err := getProduct(txn, productID, &p); err != nil {
			return err
		}
		return badgerstore.ScanJSON(txn, groupPrefix(productID), func(decode func(any) error) error {
			var g model.SelectionGroup
			if err := decode(&g); err != nil {
				return err
			}
			groups = append(groups, g)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return groups, nil
}

func getProduct(txn *badger.Txn, pid model.ProductID, out *Product) error {
	err := badgerstore.GetJSON(txn, productKey(pid), out)
	if errors.Is(err, badgerstore.ErrKeyNotFound) {
		return fmt.Errorf("%w: product %s", ErrNotFound, pid)
	}
	return err
}

func getGroup(txn *badger.Txn, pid model.ProductID, gid model.GroupID, out *model.SelectionGroup) error {
	err := badgerstore.GetJSON(txn, groupKey(pid, gid), out)
	if errors.Is(err, badgerstore.ErrKeyNotFound) {
		return fmt.Errorf("%w: group %s of product %s", ErrNotFound, gid, pid)
	}
	return err
}

// =============================================================================
// Link / Unlink
// =============================================================================

// LinkVariants implements Linker.
//
// # Description
//
// Appends each variant not yet linked to the option, preserving the order
// given. Every variant must exist in the product. Already linked variants are
// skipped, so repeating the call is a no-op.
//
// # Outputs
//
//   - error: ErrNotFound for an unknown product, group, option or variant;
//     ErrExclusivityConflict in strict mode; ErrInvalidInput for empty ids.
func (s *Store) LinkVariants(ctx context.Context, productID model.ProductID, groupID model.GroupID, optionID model.OptionID, variantIDs []model.VariantID) error {
	return s.mutate(ctx, "Store.LinkVariants", productID, groupID, optionID, variantIDs,
		func(txn *badger.Txn, g *model.SelectionGroup, idx int) (int, error) {
			for _, v := range variantIDs {
				var variant model.Variant
				err := badgerstore.GetJSON(txn, variantKey(productID, v), &variant)
				if errors.Is(err, badgerstore.ErrKeyNotFound) {
					return 0, fmt.Errorf("%w: variant %s of product %s", ErrNotFound, v, productID)
				}
				if err != nil {
					return 0, err
				}
			}

			if s.strict {
				for _, v := range variantIDs {
					for _, holder := range g.HoldersOf(v) {
						if holder != optionID {
							return 0, fmt.Errorf("%w: variant %s is linked to option %s", ErrExclusivityConflict, v, holder)
						}
					}
				}
			}

			linked := g.Options[idx].Linked()
			changed := 0
			for _, v := range variantIDs {
				if linked.Add(v) {
					changed++
				}
			}
			g.Options[idx].LinkedVariantIDs = linked.IDs()
			return changed, nil
		})
}

// UnlinkVariants implements Linker. Variants not linked to the option are
// ignored.
func (s *Store) UnlinkVariants(ctx context.Context, productID model.ProductID, groupID model.GroupID, optionID model.OptionID, variantIDs []model.VariantID) error {
	return s.mutate(ctx, "Store.UnlinkVariants", productID, groupID, optionID, variantIDs,
		func(_ *badger.Txn, g *model.SelectionGroup, idx int) (int, error) {
			linked := g.Options[idx].Linked()
			changed := 0
			for _, v := range variantIDs {
				if linked.Remove(v) {
					changed++
				}
			}
			g.Options[idx].LinkedVariantIDs = linked.IDs()
			return changed, nil
		})
}

type mutateFunc func(txn *badger.Txn, g *model.SelectionGroup, optionIdx int) (changed int, err error)

// mutate loads the group, applies fn to the option and writes the group back
// when fn changed anything, all in one transaction.
func (s *Store) mutate(ctx context.Context, spanName string, productID model.ProductID, groupID model.GroupID, optionID model.OptionID, variantIDs []model.VariantID, fn mutateFunc) error {
	ctx, span := s.startSpan(ctx, spanName,
		attribute.String("product_id", string(productID)),
		attribute.String("group_id", string(groupID)),
		attribute.String("option_id", string(optionID)),
		attribute.Int("variant_count", len(variantIDs)))
	defer span.End()

	if err := validateMutation(productID, groupID, optionID, variantIDs); err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	changed := 0
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var g model.SelectionGroup
		if err := getGroup(txn, productID, groupID, &g); err != nil {
			return err
		}
		idx := g.OptionIndex(optionID)
		if idx < 0 {
			return fmt.Errorf("%w: option %s in group %s", ErrNotFound, optionID, groupID)
		}
		n, err := fn(txn, &g, idx)
		if err != nil {
			return err
		}
		changed = n
		if n == 0 {
			return nil
		}
		return badgerstore.SetJSON(txn, groupKey(productID, groupID), g)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		s.logger.Warn("catalog mutation rejected",
			"operation", spanName,
			"product_id", productID,
			"group_id", groupID,
			"option_id", optionID,
			"variant_count", len(variantIDs),
			"error", err,
		)
		return err
	}

	span.SetAttributes(attribute.Int("changed", changed))
	s.logger.Debug("catalog mutation applied",
		"operation", spanName,
		"product_id", productID,
		"group_id", groupID,
		"option_id", optionID,
		"variant_count", len(variantIDs),
		"changed", changed,
	)
	return nil
}

func validateMutation(productID model.ProductID, groupID model.GroupID, optionID model.OptionID, variantIDs []model.VariantID) error {
	if err := validID("product", string(productID)); err != nil {
		return err
	}
	if err := validID("group", string(groupID)); err != nil {
		return err
	}
	if err := validID("option", string(optionID)); err != nil {
		return err
	}
	if len(variantIDs) == 0 {
		return fmt.Errorf("%w: no variant ids", ErrInvalidInput)
	}
	if err := validation.ValidateIDs(variantIDs); err != nil {
		return fmt.Errorf("%w: variant %v", ErrInvalidInput, err)
	}
	return nil
}

// validID rejects ids that would break the key layout.
func validID(kind, id string) error {
	if err := validation.ValidateID(id); err != nil {
		return fmt.Errorf("%w: %s %v", ErrInvalidInput, kind, err)
	}
	return nil
}

func (s *Store) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return telemetry.StartSpan(ctx, storeTracerName, name, trace.WithAttributes(attrs...))
}
