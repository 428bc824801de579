package server

import (
	"context"
	"errors"

	"connectrpc.com/connect"
	"github.com/sirupsen/logrus"

	voucherv1 "github.com/kkkkikiki/voucher/internal/api/voucherv1"
	"github.com/kkkkikiki/voucher/internal/service"
)

// DeviceTokenHeader carries the device token used by the device_token
// requester key policy
const DeviceTokenHeader = "X-Device-Token"

// VoucherServer implements the public voucher.v1 service
type VoucherServer struct {
	vouchers     *service.VoucherService
	phoneLimiter *RateLimiter
}

// VoucherServerOption configures a VoucherServer
type VoucherServerOption func(*VoucherServer)

// WithPhoneLimiter limits IssueVoucher calls per phone number
func WithPhoneLimiter(limiter *RateLimiter) VoucherServerOption {
	return func(s *VoucherServer) {
		s.phoneLimiter = limiter
	}
}

// NewVoucherServer creates a new VoucherServer instance
func NewVoucherServer(vouchers *service.VoucherService, opts ...VoucherServerOption) *VoucherServer {
	s := &VoucherServer{vouchers: vouchers}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckEligibility reports whether the caller would be issued a voucher now
func (s *VoucherServer) CheckEligibility(
	ctx context.Context,
	req *connect.Request[voucherv1.CheckEligibilityRequest],
) (*connect.Response[voucherv1.CheckEligibilityResponse], error) {
	result, err := s.vouchers.Eligibility(ctx, service.EligibilityRequest{
		IPAddress:   clientIP(ctx, req.Peer().Addr),
		PhoneNumber: req.Msg.PhoneNumber,
		UserAgent:   req.Header().Get("User-Agent"),
		DeviceToken: req.Header().Get(DeviceTokenHeader),
		Source:      req.Msg.Source,
	})
	if err != nil {
		return nil, toConnectError(err)
	}

	return connect.NewResponse(&voucherv1.CheckEligibilityResponse{
		Eligible: result.Decision == service.Eligible,
		Decision: result.Decision.String(),
		Category: result.Resolution.Category,
	}), nil
}

// IssueVoucher allocates a voucher code to the caller
func (s *VoucherServer) IssueVoucher(
	ctx context.Context,
	req *connect.Request[voucherv1.IssueVoucherRequest],
) (*connect.Response[voucherv1.IssueVoucherResponse], error) {
	ip := clientIP(ctx, req.Peer().Addr)

	// Invalid numbers are left to the service so they do not use up a bucket
	if phone, err := service.NormalizePhone(req.Msg.PhoneNumber); err == nil && s.phoneLimiter != nil {
		if !s.phoneLimiter.Allow(phone) {
			logrus.WithFields(logrus.Fields{
				"ip_address": ip,
				"procedure":  req.Spec().Procedure,
			}).Warn("phone rate limit exceeded")
			return nil, connect.NewError(connect.CodeResourceExhausted, errors.New("too many requests for this phone number"))
		}
	}

	result, err := s.vouchers.Issue(ctx, service.IssueRequest{
		PhoneNumber: req.Msg.PhoneNumber,
		IPAddress:   ip,
		UserAgent:   req.Header().Get("User-Agent"),
		DeviceToken: req.Header().Get(DeviceTokenHeader),
		Source:      req.Msg.Source,
	})
	if err != nil {
		return nil, toConnectError(err)
	}

	return connect.NewResponse(&voucherv1.IssueVoucherResponse{
		IssuanceID:  result.Issuance.ID,
		Reference:   result.Issuance.Reference,
		VoucherCode: result.Code.Code,
		Category:    result.Code.Category,
		Store:       result.Code.Store,
	}), nil
}

// TrackView records a landing page visit
func (s *VoucherServer) TrackView(
	ctx context.Context,
	req *connect.Request[voucherv1.TrackViewRequest],
) (*connect.Response[voucherv1.TrackViewResponse], error) {
	view, err := s.vouchers.TrackView(ctx, service.TrackViewRequest{
		IPAddress: clientIP(ctx, req.Peer().Addr),
		UserAgent: req.Header().Get("User-Agent"),
		Referrer:  req.Header().Get("Referer"),
		Source:    req.Msg.Source,
	})
	if err != nil {
		return nil, toConnectError(err)
	}

	return connect.NewResponse(&voucherv1.TrackViewResponse{ViewID: view.ID}), nil
}

// toConnectError maps service errors to connect codes. Denials additionally
// carry their reason in the Voucher-Denial metadata.
func toConnectError(err error) error {
	var (
		code   connect.Code
		denial string
	)
	switch {
	case errors.Is(err, service.ErrBlocked):
		code, denial = connect.CodePermissionDenied, service.Blocked.String()
	case errors.Is(err, service.ErrQuotaExceeded), errors.Is(err, service.ErrNoneAvailable):
		code, denial = connect.CodeResourceExhausted, service.QuotaExceeded.String()
	case errors.Is(err, service.ErrAlreadyIssued):
		code, denial = connect.CodeAlreadyExists, service.AlreadyIssued.String()
	case errors.Is(err, service.ErrInvalidRequest):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	default:
		logrus.WithError(err).Error("voucher request failed")
		return connect.NewError(connect.CodeInternal, errors.New("internal error"))
	}

	connectErr := connect.NewError(code, err)
	connectErr.Meta().Set(voucherv1.DenialHeader, denial)
	return connectErr
}
