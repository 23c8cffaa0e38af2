package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormStateTransition(t *testing.T) {
	tests := []struct {
		from FormState
		op   OperationType
		want FormState
	}{
		{FormNormal, OpArchive, FormArchived},
		{FormArchived, OpUnarchive, FormNormal},
		{FormNormal, OpEdit, FormDeprecated},
		{FormNormal, OpDuplicate, FormDuplicate},
		{FormDeprecated, OpClashRepair, FormNormal},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%s", tt.from, tt.op), func(t *testing.T) {
			got, err := tt.from.Transition("f1", tt.op)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormStateTransitionInvalid(t *testing.T) {
	invalid := []struct {
		from FormState
		op   OperationType
	}{
		{FormArchived, OpArchive},
		{FormNormal, OpUnarchive},
		{FormDeprecated, OpArchive},
		{FormDuplicate, OpUnarchive},
		{FormError, OpEdit},
		{FormArchived, OpEdit},
	}
	for _, tt := range invalid {
		t.Run(fmt.Sprintf("%s_%s", tt.from, tt.op), func(t *testing.T) {
			got, err := tt.from.Transition("f1", tt.op)
			require.Error(t, err)
			assert.Equal(t, tt.from, got)
			assert.True(t, IsInvalidStateTransition(err))
		})
	}
}

func TestLedgerErrorWrapping(t *testing.T) {
	err := fmt.Errorf("archive: %w", NewInvalidStateTransition("f1", FormArchived, OpArchive))
	assert.True(t, IsInvalidStateTransition(err))
	assert.False(t, IsCaseNotFound(err))

	var le *LedgerError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "f1", le.FormID)
	assert.Contains(t, err.Error(), "INVALID_STATE_TRANSITION")
}

func TestOrderingViolationMessage(t *testing.T) {
	prev := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	got := prev.Add(-time.Second)
	err := NewOrderingViolation("f9", prev, got)
	assert.True(t, IsOrderingViolation(err))
	assert.Equal(t, "2024-01-01T23:59:59Z", err.Details["got"])
}

func TestTransactionTypeString(t *testing.T) {
	assert.Equal(t, "form|case_create|case_close", (TypeForm | TypeCaseCreate | TypeCaseClose).String())
	assert.True(t, TypeRebuildFormEdit.IsRebuild())
	assert.False(t, (TypeForm | TypeLedger).IsRebuild())
}

func TestTypeForBlock(t *testing.T) {
	b := &CaseBlock{Create: &CreateBlock{CaseType: "mother"}, Close: true, Indices: []IndexChange{{Identifier: "parent", ReferencedID: "p"}}}
	got := TypeForBlock(b, false)
	assert.True(t, got.Has(TypeForm|TypeCaseCreate|TypeCaseClose|TypeCaseIndex))
	assert.Equal(t, TypeForm|TypeLedger, TypeForBlock(nil, true))
}

func TestCaseCanonicalRoundTrip(t *testing.T) {
	opened := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	c := &Case{
		CaseID:     "c1",
		Domain:     "demo",
		Type:       "mother",
		Name:       "X",
		Properties: Object{"edd": NewDate(opened), "parity": Int(2)},
		OpenedOn:   &opened,
		ModifiedOn: &opened,
		Indices:    []CaseIndex{{Identifier: "parent", ReferencedID: "h1", ReferencedType: "household", Relationship: "child"}},
		FormIDs:    []string{"a"},
	}

	data, err := c.Canonical()
	require.NoError(t, err)

	back, err := DecodeCase(data)
	require.NoError(t, err)
	assert.True(t, SameState(c, back))
	assert.Nil(t, back.ClosedOn)

	v, ok := back.Property("case_name")
	require.True(t, ok)
	assert.Equal(t, String("X"), v)
}
