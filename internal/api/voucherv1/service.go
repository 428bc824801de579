package voucherv1

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"
)

// VoucherServiceName is the fully-qualified name of the VoucherService service.
const VoucherServiceName = "voucher.v1.VoucherService"

// Fully-qualified procedure names, usable as HTTP routes
const (
	VoucherServiceCheckEligibilityProcedure = "/voucher.v1.VoucherService/CheckEligibility"
	VoucherServiceIssueVoucherProcedure     = "/voucher.v1.VoucherService/IssueVoucher"
	VoucherServiceTrackViewProcedure        = "/voucher.v1.VoucherService/TrackView"
)

// VoucherServiceHandler is implemented by the server side of voucher.v1
type VoucherServiceHandler interface {
	CheckEligibility(context.Context, *connect.Request[CheckEligibilityRequest]) (*connect.Response[CheckEligibilityResponse], error)
	IssueVoucher(context.Context, *connect.Request[IssueVoucherRequest]) (*connect.Response[IssueVoucherResponse], error)
	TrackView(context.Context, *connect.Request[TrackViewRequest]) (*connect.Response[TrackViewResponse], error)
}

// NewVoucherServiceHandler builds an HTTP handler from the service
// implementation. It returns the path on which to mount the handler and the
// handler itself.
func NewVoucherServiceHandler(svc VoucherServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(JSONCodec{})}, opts...)

	checkEligibility := connect.NewUnaryHandler(
		VoucherServiceCheckEligibilityProcedure,
		svc.CheckEligibility,
		opts...,
	)
	issueVoucher := connect.NewUnaryHandler(
		VoucherServiceIssueVoucherProcedure,
		svc.IssueVoucher,
		opts...,
	)
	trackView := connect.NewUnaryHandler(
		VoucherServiceTrackViewProcedure,
		svc.TrackView,
		opts...,
	)

	return "/" + VoucherServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case VoucherServiceCheckEligibilityProcedure:
			checkEligibility.ServeHTTP(w, r)
		case VoucherServiceIssueVoucherProcedure:
			issueVoucher.ServeHTTP(w, r)
		case VoucherServiceTrackViewProcedure:
			trackView.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// VoucherServiceClient is a client for voucher.v1.VoucherService
type VoucherServiceClient interface {
	CheckEligibility(context.Context, *connect.Request[CheckEligibilityRequest]) (*connect.Response[CheckEligibilityResponse], error)
	IssueVoucher(context.Context, *connect.Request[IssueVoucherRequest]) (*connect.Response[IssueVoucherResponse], error)
	TrackView(context.Context, *connect.Request[TrackViewRequest]) (*connect.Response[TrackViewResponse], error)
}

// NewVoucherServiceClient constructs a client for voucher.v1.VoucherService.
// baseURL is the server root, e.g. http://localhost:8080.
func NewVoucherServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) VoucherServiceClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(JSONCodec{})}, opts...)

	return &voucherServiceClient{
		checkEligibility: connect.NewClient[CheckEligibilityRequest, CheckEligibilityResponse](
			httpClient,
			baseURL+VoucherServiceCheckEligibilityProcedure,
			opts...,
		),
		issueVoucher: connect.NewClient[IssueVoucherRequest, IssueVoucherResponse](
			httpClient,
			baseURL+VoucherServiceIssueVoucherProcedure,
			opts...,
		),
		trackView: connect.NewClient[TrackViewRequest, TrackViewResponse](
			httpClient,
			baseURL+VoucherServiceTrackViewProcedure,
			opts...,
		),
	}
}

type voucherServiceClient struct {
	checkEligibility *connect.Client[CheckEligibilityRequest, CheckEligibilityResponse]
	issueVoucher     *connect.Client[IssueVoucherRequest, IssueVoucherResponse]
	trackView        *connect.Client[TrackViewRequest, TrackViewResponse]
}

// CheckEligibility calls voucher.v1.VoucherService.CheckEligibility
func (c *voucherServiceClient) CheckEligibility(ctx context.Context, req *connect.Request[CheckEligibilityRequest]) (*connect.Response[CheckEligibilityResponse], error) {
	return c.checkEligibility.CallUnary(ctx, req)
}

// IssueVoucher calls voucher.v1.VoucherService.IssueVoucher
func (c *voucherServiceClient) IssueVoucher(ctx context.Context, req *connect.Request[IssueVoucherRequest]) (*connect.Response[IssueVoucherResponse], error) {
	return c.issueVoucher.CallUnary(ctx, req)
}

// TrackView calls voucher.v1.VoucherService.TrackView
func (c *voucherServiceClient) TrackView(ctx context.Context, req *connect.Request[TrackViewRequest]) (*connect.Response[TrackViewResponse], error) {
	return c.trackView.CallUnary(ctx, req)
}
