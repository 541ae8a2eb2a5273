package acquirer

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/moov-io/iso8583"
	"github.com/moov-io/iso8583/specs"
	connection "github.com/moov-io/iso8583-connection"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"

	"github.com/saturnpay/saturn/methods"
	"github.com/saturnpay/saturn/protocol"
)

// CardNetwork is the ISO 8583 leg of the acquirer: authorizations and
// refunds go out to the card network over one persistent connection.
type CardNetwork struct {
	logger *slog.Logger
	addr   string
	conn   *connection.Connection
	stan   atomic.Uint32
}

func NewCardNetwork(logger *slog.Logger, addr string) *CardNetwork {
	return &CardNetwork{
		logger: logger.With(slog.String("component", "cardnet")),
		addr:   addr,
	}
}

func (c *CardNetwork) Connect() error {
	conn, err := connection.New(c.addr, specs.Spec87ASCII, readMessageLength, writeMessageLength)
	if err != nil {
		return fmt.Errorf("creating iso8583 connection: %w", err)
	}
	if err := conn.Connect(); err != nil {
		return fmt.Errorf("connecting to card network %s: %w", c.addr, err)
	}
	c.conn = conn
	c.logger.Info("connected to card network", slog.String("addr", c.addr))
	return nil
}

func (c *CardNetwork) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Authorize runs an 0100 authorization and returns the approval code.
func (c *CardNetwork) Authorize(card methods.CardAccount, amount decimal.Decimal, currency protocol.Currency, merchantName string) (string, error) {
	return c.send("0100", "000000", card, amount, currency, merchantName)
}

// Refund runs a 0400-style reversal of a prior transaction.
func (c *CardNetwork) Refund(card methods.CardAccount, amount decimal.Decimal, currency protocol.Currency, merchantName string) (string, error) {
	return c.send("0400", "200000", card, amount, currency, merchantName)
}

func (c *CardNetwork) send(mti, processingCode string, card methods.CardAccount, amount decimal.Decimal, currency protocol.Currency, merchantName string) (string, error) {
	if c.conn == nil {
		return "", fmt.Errorf("card network not connected")
	}

	stan := c.stan.Add(1) % 1000000

	msg := iso8583.NewMessage(specs.Spec87ASCII)
	msg.MTI(mti)
	fields := map[int]string{
		2:  card.CardNumber,
		3:  processingCode,
		4:  minorUnits(amount, currency),
		11: fmt.Sprintf("%06d", stan),
		14: card.Expiry,
		43: fixedWidth(merchantName, 40),
		49: currencyCode(currency),
	}
	for id, value := range fields {
		if err := msg.Field(id, value); err != nil {
			return "", fmt.Errorf("setting field %d: %w", id, err)
		}
	}

	resp, err := c.conn.Send(msg)
	if err != nil {
		return "", fmt.Errorf("card network call: %w", err)
	}

	rc, err := resp.GetString(39)
	if err != nil {
		return "", fmt.Errorf("reading response code: %w", err)
	}
	if rc != "00" {
		return "", fmt.Errorf("card network declined: response code %s", rc)
	}
	approval, err := resp.GetString(38)
	if err != nil {
		return "", fmt.Errorf("reading approval code: %w", err)
	}

	c.logger.Info("card network approved",
		slog.String("mti", mti),
		slog.Uint64("stan", uint64(stan)),
		slog.String("approval", approval),
	)
	return approval, nil
}

// minorUnits renders the amount as the 12-digit minor-unit field.
func minorUnits(amount decimal.Decimal, currency protocol.Currency) string {
	units := amount.Shift(currency.Decimals()).IntPart()
	return fmt.Sprintf("%012d", units)
}

func currencyCode(currency protocol.Currency) string {
	codes := map[protocol.Currency]string{
		protocol.SEK: "752",
		protocol.EUR: "978",
		protocol.USD: "840",
		protocol.GBP: "826",
		protocol.DKK: "208",
		protocol.NOK: "578",
	}
	return codes[currency]
}

func fixedWidth(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return fmt.Sprintf("%-*s", n, s)
}

// The card network frames messages with a 2-byte big-endian length
// header.
func readMessageLength(r io.Reader) (int, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint16(header[:])), nil
}

func writeMessageLength(w io.Writer, length int) (int, error) {
	var header [2]byte
	binary.BigEndian.PutUint16(header[:], uint16(length))
	return w.Write(header[:])
}
