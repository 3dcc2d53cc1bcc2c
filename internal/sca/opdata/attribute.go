// Package opdata implements the canonical textual encoding of transaction
// attributes. The produced string is displayed to the user and covered by
// downstream signatures and QR codes, so rendering must be deterministic
// bit-for-bit.
package opdata

// Attribute is one typed slot value of an operation's canonical data. The
// interface is sealed so the codec's type switch stays exhaustive.
type Attribute interface {
	attribute()
}

// Amount is a monetary amount with its currency, e.g. "100" + "CZK".
// The amount is kept as a plain decimal string so formatting never drifts.
type Amount struct {
	Amount   string
	Currency string
}

// AccountIBAN is a counterparty account in IBAN form with an optional BIC.
type AccountIBAN struct {
	IBAN string
	BIC  string
}

// AccountGeneric is a counterparty account in a local, non-IBAN format.
type AccountGeneric struct {
	Account string
}

// Date is a calendar date in yyyy-MM-dd form.
type Date struct {
	Date string
}

// Note is free-form text shown to the payer.
type Note struct {
	Text string
}

// Reference is a payment reference.
type Reference struct {
	Text string
}

// Text is any other textual attribute.
type Text struct {
	Text string
}

func (Amount) attribute()         {}
func (AccountIBAN) attribute()    {}
func (AccountGeneric) attribute() {}
func (Date) attribute()           {}
func (Note) attribute()           {}
func (Reference) attribute()      {}
func (Text) attribute()           {}
