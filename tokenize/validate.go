package tokenize

import (
	"strings"

	"github.com/slytomcat/devtokenizer/card"
	"github.com/slytomcat/devtokenizer/tools"
)

// IssuerResponse is the issuer answer on the card
type IssuerResponse string

// Issuer responses
const (
	Approved             IssuerResponse = "APPROVED"
	Declined             IssuerResponse = "DECLINED"
	RequiresVerification IssuerResponse = "REQUIRES_VERIFICATION"
)

// Issuer answers whether the issuer accepts the card for tokenization
type Issuer interface {
	Respond(in card.Input) IssuerResponse
}

// BrandIssuer is the deterministic issuer policy: incomplete card data is declined,
// premium BINs and main brands are approved, other cards require verification.
type BrandIssuer struct {
	PremiumBINs []string
}

// DefaultPremiumBINs are the BINs approved regardless of the brand
var DefaultPremiumBINs = []string{"453210"}

// Respond implements Issuer
func (b BrandIssuer) Respond(in card.Input) IssuerResponse {
	if strings.TrimSpace(in.Holder) == "" || in.Expiry == "" || in.CVV == "" {
		return Declined
	}
	bin := card.BIN(in.Number)
	for _, p := range b.PremiumBINs {
		if strings.HasPrefix(bin, p) {
			return Approved
		}
	}
	if card.DetectBrand(in.Number).IsMain() {
		return Approved
	}
	return RequiresVerification
}

// Validation is the card validation result. Errors keep the order of the checks.
type Validation struct {
	IsValid        bool           `json:"isValid"`
	Errors         []*card.Error  `json:"errors"`
	IssuerResponse IssuerResponse `json:"issuerResponse"`
	MaskedPAN      string         `json:"maskedPan"`
}

// Messages returns the error messages
func (v *Validation) Messages() []string {
	res := make([]string, 0, len(v.Errors))
	for _, e := range v.Errors {
		res = append(res, e.Message)
	}
	return res
}

// Validator runs card checks: number, BIN, format and the issuer policy
type Validator struct {
	bins   card.BINList
	issuer Issuer
}

// NewValidator creates the validator. Empty bins means card.DefaultBINs, nil issuer means BrandIssuer with default premium BINs.
func NewValidator(bins []string, issuer Issuer) *Validator {
	if len(bins) == 0 {
		bins = card.DefaultBINs
	}
	if issuer == nil {
		issuer = BrandIssuer{PremiumBINs: DefaultPremiumBINs}
	}
	return &Validator{bins: card.BINList(bins), issuer: issuer}
}

// Validate checks the card. The issuer response is informational and does not affect IsValid.
func (v *Validator) Validate(in card.Input) *Validation {
	res := &Validation{
		Errors:    []*card.Error{},
		MaskedPAN: card.MaskPAN(in.Number),
	}
	collect := func(err error) {
		if ce, ok := err.(*card.Error); ok {
			res.Errors = append(res.Errors, ce)
		}
	}
	collect(card.CheckNumber(in.Number))
	collect(v.bins.Check(in.Number))
	collect(card.ValidateFormat(in))

	res.IssuerResponse = v.issuer.Respond(in)
	res.IsValid = len(res.Errors) == 0

	tools.Debug("validation of %s: valid=%v issuer=%s errors=%v", res.MaskedPAN, res.IsValid, res.IssuerResponse, res.Messages())
	return res
}
