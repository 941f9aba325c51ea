package card

import "strings"

// DefaultBINs is the reference BIN allow-list
var DefaultBINs = []string{
	"453210", // Visa
	"453914", // Visa (demo wallet card)
	"555544", // Mastercard
	"378234", // Amex
	"601100", // Discover
	"506699", // Elo
}

// BINList is the allow-list of reference BINs. A card BIN is accepted when it shares
// the 4 digit prefix with any reference BIN.
type BINList []string

// Check returns UnsupportedBin error when the number BIN is not in the list
func (l BINList) Check(number string) error {
	bin := BIN(number)
	for _, ref := range l {
		if len(ref) >= 4 && strings.HasPrefix(bin, ref[:4]) {
			return nil
		}
	}
	return newError(UnsupportedBin, "BIN %s is not supported for tokenization", bin)
}

// BIN returns the first 6 digits of the number (or less for too short numbers)
func BIN(number string) string {
	c := Clean(number)
	if len(c) > 6 {
		return c[:6]
	}
	return c
}
