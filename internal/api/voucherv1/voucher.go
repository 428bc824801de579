// Package voucherv1 is the public voucher.v1 RPC contract: request and
// response messages, procedure names, and connect handler and client
// constructors. Messages travel as JSON.
package voucherv1

import (
	"encoding/json"
	"fmt"
)

// Error metadata key carrying the denial reason of a refused request
const DenialHeader = "Voucher-Denial"

// CheckEligibilityRequest asks whether the caller could be issued a voucher
type CheckEligibilityRequest struct {
	PhoneNumber string `json:"phone_number,omitempty"`
	Source      string `json:"source,omitempty"`
}

// CheckEligibilityResponse is the eligibility gate's answer
type CheckEligibilityResponse struct {
	Eligible bool   `json:"eligible"`
	Decision string `json:"decision"`
	Category string `json:"category,omitempty"`
}

// IssueVoucherRequest asks for a voucher
type IssueVoucherRequest struct {
	PhoneNumber string `json:"phone_number"`
	Source      string `json:"source,omitempty"`
}

// IssueVoucherResponse carries the issued code
type IssueVoucherResponse struct {
	IssuanceID  int64  `json:"issuance_id"`
	Reference   string `json:"reference"`
	VoucherCode string `json:"voucher_code"`
	Category    string `json:"category"`
	Store       string `json:"store,omitempty"`
}

// TrackViewRequest reports a landing page visit
type TrackViewRequest struct {
	Source string `json:"source,omitempty"`
}

// TrackViewResponse identifies the recorded visit
type TrackViewResponse struct {
	ViewID int64 `json:"view_id"`
}

// JSONCodec marshals messages with encoding/json. It is registered under the
// "json" name so Connect clients using application/json are served by it.
type JSONCodec struct{}

// Name implements connect.Codec
func (JSONCodec) Name() string {
	return "json"
}

// Marshal implements connect.Codec
func (JSONCodec) Marshal(message any) ([]byte, error) {
	return json.Marshal(message)
}

// Unmarshal implements connect.Codec. An empty body decodes to the zero
// message.
func (JSONCodec) Unmarshal(data []byte, message any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, message); err != nil {
		return fmt.Errorf("invalid json message: %w", err)
	}
	return nil
}
