package kv_test

import (
	"errors"
	"fmt"
	"testing"

	"go.miragespace.co/kv"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	as := require.New(t)

	err := fmt.Errorf("reading: %w", kv.InexistentItem("k", "not there"))
	as.ErrorIs(err, kv.ErrInexistentItem)
	as.NotErrorIs(err, kv.ErrStoreError)
	as.True(kv.IsInexistent(err))
	as.Equal(kv.KindInexistentItem, kv.KindOf(err))

	cause := errors.New("disk on fire")
	storeErr := kv.StoreError(cause)
	as.ErrorIs(storeErr, cause)
	as.ErrorIs(storeErr, kv.ErrStoreError)
	as.Equal("kv: store-error: disk on fire", storeErr.Error())

	as.Equal(kv.Kind(0), kv.KindOf(nil))
	as.Equal(kv.KindStoreError, kv.KindOf(cause))
}

func TestWrapClosesTaxonomy(t *testing.T) {
	as := require.New(t)

	as.NoError(kv.Wrap(nil))

	invalid := kv.InvalidData(errors.New("bad json"))
	as.Same(invalid, kv.Wrap(fmt.Errorf("wrapped: %w", invalid)))

	var e *kv.Error
	as.ErrorAs(kv.Wrap(errors.New("timeout")), &e)
	as.Equal(kv.KindStoreError, e.Kind)
	as.Equal("timeout", e.Detail)
}

func TestErrorWireFormat(t *testing.T) {
	as := require.New(t)
	json := jsoniter.ConfigCompatibleWithStandardLibrary

	data, err := json.Marshal(kv.InexistentItem("users/alice"))
	as.NoError(err)
	as.JSONEq(`{"reason":"inexistent-item","key":"users/alice"}`, string(data))

	var decoded kv.Error
	as.NoError(json.Unmarshal([]byte(`{"reason":"invalid-data","detail":"expected object"}`), &decoded))
	as.Equal(kv.KindInvalidData, decoded.Kind)
	as.Equal("expected object", decoded.Detail)

	as.Error(json.Unmarshal([]byte(`{"reason":"teapot"}`), &decoded))
}
