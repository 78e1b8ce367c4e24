// Package kvtest is the conformance harness for kv.Store implementations.
//
// Check runs the conformance procedure against any store and reports every
// violation; Run does the same from a test. Suite runs the procedure and the
// additional properties for each of the typed sample sets over fresh stores
// produced by a backend's opener. Stores must be empty when handed to the
// harness, and are left empty afterwards.
package kvtest

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"go.miragespace.co/kv"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Sample sets, one per supported value type.
var (
	Strings = map[string]string{"a": "1", "b": "2", "c": "3"}
	Ints    = map[string]int64{"a": 1, "b": 2, "c": 3}
	Floats  = map[string]float64{"a": 1.0, "b": 2.0, "c": 3.0}
	Bools   = map[string]bool{"a": true, "b": false}
	Bytes   = map[string][]byte{"a": []byte("1"), "b": []byte("2"), "c": []byte("3")}
	Dicts   = map[string]map[string]any{
		"a": {"a": float64(1)},
		"b": {"b": float64(2)},
		"c": {"c": float64(3)},
	}
	Lists = map[string][]any{
		"a": {float64(1)},
		"b": {float64(2)},
		"c": {float64(3)},
	}
)

// Check runs the conformance procedure against s with the given samples:
// the store starts empty, every sample is inserted and read back, keys are
// exactly the sample keys, deleting every key leaves each unreadable with
// InexistentItem, and re-inserting then clearing leaves the store empty.
//
// Unexpected operation failures abort the procedure and are returned as is;
// behavioral mismatches are collected and returned together.
func Check[T any](ctx context.Context, s kv.Store[T], samples map[string]T, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	keys, err := kv.CollectKeys(ctx, s)
	if err != nil {
		return fmt.Errorf("listing keys: %w", err)
	}
	if len(keys) != 0 {
		return fmt.Errorf("store must be empty for testing, found %d key(s)", len(keys))
	}

	var violations error

	logger.Info("Inserting items...")
	for k, v := range samples {
		if err := s.Insert(ctx, k, v); err != nil {
			return fmt.Errorf("inserting %q: %w", k, err)
		}
	}
	logger.Info("Inserted items OK")

	logger.Info("Testing point read...")
	for k, v := range samples {
		got, err := s.Read(ctx, k)
		if err != nil {
			return fmt.Errorf("reading %q: %w", k, err)
		}
		if !reflect.DeepEqual(got, v) {
			logger.Error("Point read error", zap.String("key", k), zap.Any("expected", v), zap.Any("got", got))
			violations = multierr.Append(violations, fmt.Errorf("read %q: expected %v, got %v", k, v, got))
		}
	}
	logger.Info("Point read OK")

	logger.Info("Testing keys...")
	keys, err = kv.CollectKeys(ctx, s)
	if err != nil {
		return fmt.Errorf("listing keys: %w", err)
	}
	if want := sampleKeys(samples); !sameKeys(keys, want) {
		logger.Error("Keys error", zap.Strings("expected", want), zap.Strings("got", keys))
		violations = multierr.Append(violations, fmt.Errorf("keys: expected %v, got %v", want, sorted(keys)))
	}
	logger.Info("Keys OK")

	logger.Info("Testing point delete...")
	for k := range samples {
		if err := s.Delete(ctx, k); err != nil {
			return fmt.Errorf("deleting %q: %w", k, err)
		}
		_, err := s.Read(ctx, k)
		if !kv.IsInexistent(err) {
			logger.Error("Point delete error", zap.String("key", k), zap.Error(err))
			violations = multierr.Append(violations, fmt.Errorf("read %q after delete: expected inexistent-item, got %v", k, err))
		}
	}
	logger.Info("Point delete OK")

	logger.Debug("Reinserting items...")
	for k, v := range samples {
		if err := s.Insert(ctx, k, v); err != nil {
			return fmt.Errorf("reinserting %q: %w", k, err)
		}
	}

	logger.Info("Testing clear...")
	if err := kv.Clear(ctx, s); err != nil {
		return fmt.Errorf("clearing: %w", err)
	}
	keys, err = kv.CollectKeys(ctx, s)
	if err != nil {
		return fmt.Errorf("listing keys: %w", err)
	}
	if len(keys) != 0 {
		logger.Error("Clear error", zap.Strings("got", keys))
		violations = multierr.Append(violations, fmt.Errorf("keys after clear: expected [], got %v", sorted(keys)))
	}
	logger.Info("Clear OK")

	return violations
}

func sampleKeys[T any](samples map[string]T) []string {
	keys := make([]string, 0, len(samples))
	for k := range samples {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sameKeys(got, want []string) bool {
	return reflect.DeepEqual(sorted(got), sorted(want))
}

func sorted(keys []string) []string {
	c := append([]string{}, keys...)
	sort.Strings(c)
	return c
}
