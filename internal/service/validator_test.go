package service

import (
	"context"
	"testing"

	"github.com/property-exchange/internal/errors"
	"github.com/property-exchange/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTradeValidatorValidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := NewTradeValidator(f.wallets, f.properties, f.holdingsDB)

	req := trade("user-1", types.SideBuy, 10, 50)
	got, err := v.Validate(ctx, req)
	require.NoError(t, err)
	assert.Same(t, req, got)

	// The wallet is checked before the property
	missing := trade("ghost", types.SideBuy, 10, 50)
	missing.PropertyID = "prop-missing"
	_, err = v.Validate(ctx, missing)
	assert.True(t, errors.HasCode(err, errors.CodeNoWallet), "got %v", err)
}
