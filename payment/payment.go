// Package payment models the external payment service as a Go interface
// plus one HTTP implementation built on gentleman.v2 (timeout plugin),
// the teacher's unwired direct HTTP-client dependency — grounded the
// same way as fanout.ObjectStoreSink.
package payment

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/h2non/gentleman.v2"
	"gopkg.in/h2non/gentleman.v2/plugins/timeout"

	"github.com/liteseed/turbo-upload-service/uploaderr"
)

// Service is the payment collaborator the upload state machines depend
// on; spec.md §1/§6 name it as an out-of-scope external component.
type Service interface {
	// Check reports whether nativeAddress has sufficient balance to cover
	// wincPrice, without reserving anything.
	Check(nativeAddress string, wincPrice int64) (bool, error)
	// Reserve debits wincPrice from nativeAddress's balance, returning a
	// reservation id that Refund can later reverse.
	Reserve(nativeAddress string, wincPrice int64) (reservationID string, err error)
	// Refund reverses a prior Reserve. Called only when reservedAmount > 0.
	Refund(reservationID string, reservedAmount int64) error
	// Approve finalizes a reservation once the upload fully succeeds,
	// turning the reserved hold into a settled charge.
	Approve(reservationID string) error
}

// HTTPService is the concrete implementation used in production.
type HTTPService struct {
	client *gentleman.Client
}

// NewHTTPService builds a payment client against baseURL with a
// per-call timeout, matching spec.md §5's "object-store and
// payment-service clients ... must implement per-call timeouts".
func NewHTTPService(baseURL string, callTimeout time.Duration) *HTTPService {
	cli := gentleman.New()
	cli.URL(baseURL)
	if callTimeout > 0 {
		cli.Use(timeout.Request(callTimeout))
	}
	return &HTTPService{client: cli}
}

type balanceResponse struct {
	Sufficient bool `json:"sufficient"`
}

func (s *HTTPService) Check(nativeAddress string, wincPrice int64) (bool, error) {
	req := s.client.Request()
	req.Method("GET")
	req.Path(fmt.Sprintf("/v1/balance/%s/check", nativeAddress))
	req.Param("winc", fmt.Sprint(wincPrice))

	res, err := req.Send()
	if err != nil {
		return false, uploaderr.Transient("payment service unreachable", err)
	}
	if !res.Ok {
		return false, uploaderr.Transient(fmt.Sprintf("payment service returned %d", res.StatusCode), nil)
	}

	var body balanceResponse
	if err := json.Unmarshal(res.Bytes(), &body); err != nil {
		return false, uploaderr.Transient("payment service returned invalid body", err)
	}
	return body.Sufficient, nil
}

type reserveResponse struct {
	ReservationID string `json:"reservationId"`
	Sufficient    bool   `json:"sufficient"`
}

func (s *HTTPService) Reserve(nativeAddress string, wincPrice int64) (string, error) {
	req := s.client.Request()
	req.Method("POST")
	req.Path(fmt.Sprintf("/v1/balance/%s/reserve", nativeAddress))
	req.JSON(map[string]int64{"winc": wincPrice})

	res, err := req.Send()
	if err != nil {
		return "", uploaderr.Transient("payment service unreachable", err)
	}
	if !res.Ok {
		return "", uploaderr.Transient(fmt.Sprintf("payment service returned %d", res.StatusCode), nil)
	}

	var body reserveResponse
	if err := json.Unmarshal(res.Bytes(), &body); err != nil {
		return "", uploaderr.Transient("payment service returned invalid body", err)
	}
	if !body.Sufficient {
		return "", uploaderr.Capacity("insufficient balance", nil)
	}
	return body.ReservationID, nil
}

func (s *HTTPService) Refund(reservationID string, reservedAmount int64) error {
	if reservedAmount <= 0 {
		return nil
	}
	req := s.client.Request()
	req.Method("POST")
	req.Path(fmt.Sprintf("/v1/reservations/%s/refund", reservationID))

	res, err := req.Send()
	if err != nil {
		return uploaderr.Transient("payment service unreachable during refund", err)
	}
	if !res.Ok {
		return uploaderr.Transient(fmt.Sprintf("refund returned %d", res.StatusCode), nil)
	}
	return nil
}

func (s *HTTPService) Approve(reservationID string) error {
	req := s.client.Request()
	req.Method("POST")
	req.Path(fmt.Sprintf("/v1/reservations/%s/approve", reservationID))

	res, err := req.Send()
	if err != nil {
		return uploaderr.Transient("payment service unreachable during approve", err)
	}
	if !res.Ok {
		return uploaderr.Transient(fmt.Sprintf("approve returned %d", res.StatusCode), nil)
	}
	return nil
}

var _ Service = (*HTTPService)(nil)
