package oneclick

import "time"

// Token is one supported asset as reported by the swap venue
type Token struct {
	AssetID    string  `json:"assetId"`
	Symbol     string  `json:"symbol"`
	Blockchain string  `json:"blockchain"`
	Decimals   int     `json:"decimals"`
	Price      float64 `json:"price,string"`
}

// SwapStatus is the settlement state of a swap as reported by the venue
type SwapStatus string

const (
	StatusPendingDeposit SwapStatus = "PENDING_DEPOSIT"
	StatusKnownDeposit   SwapStatus = "KNOWN_DEPOSIT_TX"
	StatusProcessing     SwapStatus = "PROCESSING"
	StatusSuccess        SwapStatus = "SUCCESS"
	StatusRefunded       SwapStatus = "REFUNDED"
	StatusFailed         SwapStatus = "FAILED"
)

// Terminal reports whether the status is final. Success is terminal-success,
// Refunded and Failed are terminal-failure, everything else means keep polling.
func (s SwapStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusRefunded || s == StatusFailed
}

// QuoteRequest asks the venue for a swap quote. With Dry=false the response
// carries a live deposit address.
type QuoteRequest struct {
	Dry              bool   `json:"dry"`
	SwapType         string `json:"swapType"` // EXACT_INPUT
	OriginAsset      string `json:"originAsset"`
	DestinationAsset string `json:"destinationAsset"`
	Amount           string `json:"amount"` // smallest-unit integer, decimal string
	Recipient        string `json:"recipient"`
	RecipientType    string `json:"recipientType"`
	Deadline         string `json:"deadline,omitempty"`
}

// Quote is the venue's answer to a quote request
type Quote struct {
	DepositAddress     string `json:"depositAddress"`
	AmountIn           string `json:"amountIn"`
	AmountOut          string `json:"amountOut"`
	AmountInFormatted  string `json:"amountInFormatted"`
	AmountOutFormatted string `json:"amountOutFormatted"`
	TimeEstimate       int    `json:"timeEstimate"`
}

type quoteResponse struct {
	Quote Quote `json:"quote"`
}

// StatusResponse is the venue's answer to a status poll
type StatusResponse struct {
	Status    SwapStatus `json:"status"`
	UpdatedAt time.Time  `json:"updatedAt"`
	Details   struct {
		DestinationTxHash string `json:"destinationTxHash,omitempty"`
		RefundTxHash      string `json:"refundTxHash,omitempty"`
	} `json:"swapDetails"`
}

type depositSubmitRequest struct {
	DepositAddress string `json:"depositAddress"`
	TxHash         string `json:"txHash"`
}

type balancesResponse struct {
	Balances map[string]float64 `json:"balances"` // symbol -> amount in asset units
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
