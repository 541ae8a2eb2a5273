package methods

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRoundTripsCardAccount(t *testing.T) {
	r := NewRegistry()

	rec := CardAccount{
		CardNumber: "4532015112830366",
		CardHolder: "Luke Skywalker",
		Expiry:     "2812",
	}
	raw, err := r.Encode(rec)
	require.NoError(t, err)

	got, err := r.Decode(SuperCard, raw)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestRegistryRejectsUnknownMethod(t *testing.T) {
	r := NewRegistry()

	_, err := r.Decode("https://example.com/not-a-method", []byte(`{}`))
	assert.Error(t, err)
	assert.False(t, r.Supported("https://example.com/not-a-method"))
}

func TestDecodeRejectsInjectedFields(t *testing.T) {
	r := NewRegistry()

	_, err := r.Decode(SEPA, []byte(`{"iban":"GB82WEST12345698765432","amount":"100"}`))
	assert.Error(t, err)
}

func TestCardNetworkFlag(t *testing.T) {
	r := NewRegistry()

	card, ok := r.Lookup(SuperCard)
	require.True(t, ok)
	assert.True(t, card.CardNetwork)

	sepa, ok := r.Lookup(SEPA)
	require.True(t, ok)
	assert.False(t, sepa.CardNetwork)
}

func TestCardAccountValidate(t *testing.T) {
	tests := []struct {
		name    string
		rec     CardAccount
		wantErr bool
	}{
		{"valid", CardAccount{"4532015112830366", "Luke Skywalker", "2812"}, false},
		{"bad luhn", CardAccount{"4532015112830367", "Luke Skywalker", "2812"}, true},
		{"short pan", CardAccount{"45320151", "Luke Skywalker", "2812"}, true},
		{"no holder", CardAccount{"4532015112830366", " ", "2812"}, true},
		{"bad expiry month", CardAccount{"4532015112830366", "Luke Skywalker", "2813"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCardAccountExpired(t *testing.T) {
	rec := CardAccount{"4532015112830366", "Luke Skywalker", "2606"}

	assert.False(t, rec.Expired(time.Date(2026, 6, 30, 12, 0, 0, 0, time.UTC)))
	assert.True(t, rec.Expired(time.Date(2026, 7, 1, 0, 0, 1, 0, time.UTC)))
}

func TestSEPAAccountValidate(t *testing.T) {
	assert.NoError(t, SEPAAccount{IBAN: "GB82WEST12345698765432"}.Validate())
	assert.NoError(t, SEPAAccount{IBAN: "SE45 5000 0000 0583 9825 7466"}.Validate())
	assert.Error(t, SEPAAccount{IBAN: "GB82WEST12345698765433"}.Validate())
	assert.Error(t, SEPAAccount{IBAN: "GB82"}.Validate())
}

func TestBankGirotAccountValidate(t *testing.T) {
	assert.NoError(t, BankGirotAccount{GiroNumber: "7835846"}.Validate())
	assert.Error(t, BankGirotAccount{GiroNumber: "7835849"}.Validate())
	assert.Error(t, BankGirotAccount{GiroNumber: "78358"}.Validate())
	assert.Error(t, BankGirotAccount{GiroNumber: "78a5846"}.Validate())
}

func TestAccountReferenceMasksDetails(t *testing.T) {
	card := CardAccount{"4532015112830366", "Luke Skywalker", "2812"}
	assert.Equal(t, "453201******0366", card.AccountReference())

	sepa := SEPAAccount{IBAN: "GB82WEST12345698765432"}
	assert.NotContains(t, sepa.AccountReference(), "WEST1234569876")
}
