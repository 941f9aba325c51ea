package celcoin

import (
	"context"
	"fmt"
	"log"
	"net/http"
)

// Operation is the network token operation
type Operation string

// Network token operations
const (
	Suspend  Operation = "SUSPENDER"
	Activate Operation = "ATIVAR"
	Delete   Operation = "DELETE"
)

// TokenKey identifies the token in the payment network
type TokenKey struct {
	TokenRef       string `json:"tokenRef"`
	PANRef         string `json:"panRef"`
	PaymentNetwork string `json:"paymentNetwork"`
}

// NetworkToken is the device token provisioned for the card
type NetworkToken struct {
	Key       TokenKey `json:"key"`
	TokenID   string   `json:"tokenId"`
	AccountID int64    `json:"accountId"`
	ProgramID string   `json:"programId"`
	CardID    int64    `json:"cardId"`
	WalletID  string   `json:"walletId"`
	Status    string   `json:"status"`
	UpdatedAt string   `json:"updatedAt"`
}

// TokenOperation is the registered token operation
type TokenOperation struct {
	ID              int64  `json:"id"`
	CardID          int64  `json:"cardId"`
	CardTokenID     int64  `json:"cardTokenId"`
	OperationReason string `json:"operationReason"`
	OperationType   string `json:"operationType"`
	ActivationCode  int64  `json:"activationCode"`
	OperatorID      string `json:"operatorId"`
}

// CardTokens returns the network tokens of the card
func (c *Client) CardTokens(ctx context.Context, cardID int64) ([]NetworkToken, error) {
	tokens := []NetworkToken{}
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("%s/%d/token", c.cardURL(), cardID), nil, &tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

// TokenInfo returns the network token details
func (c *Client) TokenInfo(ctx context.Context, cardID, tokenID int64) (*NetworkToken, error) {
	info := struct {
		Token *NetworkToken `json:"token"`
	}{}
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("%s/%d/token/%d/info", c.cardURL(), cardID, tokenID), nil, &info); err != nil {
		return nil, err
	}
	if info.Token == nil {
		return nil, fmt.Errorf("responce error received: no token data")
	}
	return info.Token, nil
}

// ManageToken suspends, activates or deletes the network token
func (c *Client) ManageToken(ctx context.Context, cardID, tokenID int64, op Operation, reason string) (*TokenOperation, error) {
	switch op {
	case Suspend, Activate, Delete:
	default:
		return nil, fmt.Errorf("unknown token operation: %q", op)
	}
	res := &TokenOperation{}
	err := c.call(ctx, http.MethodPost, fmt.Sprintf("%s/%d/network-tokens/%d", c.cardURL(), cardID, tokenID),
		struct {
			OperationReason string    `json:"operationReason"`
			OperationType   Operation `json:"operationType"`
		}{reason, op}, res)
	if err != nil {
		return nil, err
	}
	log.Printf("INFO: celcoin token %d of card %d: %s (%s)", tokenID, cardID, op, reason)
	return res, nil
}
