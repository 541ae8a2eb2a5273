package methods

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/saturnpay/saturn/internal/cardgen"
	"github.com/saturnpay/saturn/internal/expiry"
)

// CardAccount is the SuperCard record: what an acquirer needs to run
// the transaction on the card network.
type CardAccount struct {
	CardNumber string `json:"cardNumber"`
	CardHolder string `json:"cardHolder"`
	Expiry     string `json:"expiry"` // YYMM
}

func (c CardAccount) MethodURL() string { return SuperCard }

func (c CardAccount) AccountReference() string {
	return cardgen.MaskPAN(c.CardNumber)
}

func (c CardAccount) Validate() error {
	if err := cardgen.ValidatePAN(c.CardNumber); err != nil {
		return fmt.Errorf("card number: %w", err)
	}
	if strings.TrimSpace(c.CardHolder) == "" {
		return fmt.Errorf("card holder is required")
	}
	if err := expiry.ValidateYYMM(c.Expiry); err != nil {
		return fmt.Errorf("card expiry: %w", err)
	}
	return nil
}

// Expired reports whether the card is past its expiry month.
func (c CardAccount) Expired(at time.Time) bool {
	expired, err := expiry.IsExpired(c.Expiry, at, nil)
	if err != nil {
		return true
	}
	return expired
}

// SEPAAccount is the account-rail record: an IBAN is all the receiving
// side needs for a credit transfer.
type SEPAAccount struct {
	IBAN string `json:"iban"`
}

func (s SEPAAccount) MethodURL() string { return SEPA }

func (s SEPAAccount) AccountReference() string {
	iban := strings.ReplaceAll(s.IBAN, " ", "")
	if len(iban) <= 4 {
		return iban
	}
	return iban[:4] + strings.Repeat("*", len(iban)-8) + iban[len(iban)-4:]
}

func (s SEPAAccount) Validate() error {
	return validateIBAN(s.IBAN)
}

// BankGirotAccount is the Swedish giro record: a 7 or 8 digit number
// with a trailing mod-10 check digit.
type BankGirotAccount struct {
	GiroNumber string `json:"giroNumber"`
}

func (b BankGirotAccount) MethodURL() string { return BankGirot }

func (b BankGirotAccount) AccountReference() string {
	n := b.GiroNumber
	if len(n) <= 4 {
		return n
	}
	return strings.Repeat("*", len(n)-4) + n[len(n)-4:]
}

func (b BankGirotAccount) Validate() error {
	n := b.GiroNumber
	if l := len(n); l != 7 && l != 8 {
		return fmt.Errorf("giro number must be 7 or 8 digits")
	}
	if !cardgen.IsDigits(n) {
		return fmt.Errorf("giro number must contain digits only")
	}
	if cardgen.LuhnCheckDigit(n[:len(n)-1]) != string(n[len(n)-1]) {
		return fmt.Errorf("invalid giro check digit")
	}
	return nil
}

// validateIBAN performs the ISO 13616 mod-97 check after moving the
// country code and check digits to the end.
func validateIBAN(iban string) error {
	s := strings.ToUpper(strings.ReplaceAll(iban, " ", ""))
	if l := len(s); l < 15 || l > 34 {
		return fmt.Errorf("iban length must be 15..34")
	}
	rearranged := s[4:] + s[:4]
	rem := 0
	for i := 0; i < len(rearranged); i++ {
		ch := rearranged[i]
		switch {
		case ch >= '0' && ch <= '9':
			rem = (rem*10 + int(ch-'0')) % 97
		case ch >= 'A' && ch <= 'Z':
			v := int(ch-'A') + 10
			rem = (rem*100 + v) % 97
		default:
			return fmt.Errorf("iban contains invalid character %q", ch)
		}
	}
	if rem != 1 {
		return fmt.Errorf("iban fails mod-97 check")
	}
	return nil
}

func encodeCard(rec Record) ([]byte, error)      { return marshalRecord(rec) }
func encodeSEPA(rec Record) ([]byte, error)      { return marshalRecord(rec) }
func encodeBankGirot(rec Record) ([]byte, error) { return marshalRecord(rec) }

func marshalRecord(rec Record) ([]byte, error) {
	return json.Marshal(rec)
}

func decodeCard(raw []byte) (Record, error) {
	var rec CardAccount
	if err := strictUnmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func decodeSEPA(raw []byte) (Record, error) {
	var rec SEPAAccount
	if err := strictUnmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func decodeBankGirot(raw []byte) (Record, error) {
	var rec BankGirotAccount
	if err := strictUnmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// strictUnmarshal rejects unknown fields; an injected field in account
// data is a protocol error, not something to ignore.
func strictUnmarshal(raw []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decoding account data: %w", err)
	}
	return nil
}
