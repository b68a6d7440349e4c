package adapter

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"

	"portalgate/internal/domain"
)

var (
	// errRejected is returned by drivers when equipment refuses a guest
	errRejected = errors.New("rejected by equipment")

	// errLocalSessions tells the core the equipment keeps no session listing
	// and the adapter's own session book is authoritative
	errLocalSessions = errors.New("equipment keeps no session listing")
)

// classifyError maps a raw failure onto the domain taxonomy
func classifyError(equipmentID, op string, err error) error {
	if err == nil {
		return nil
	}

	var ae *domain.AdapterError
	if errors.As(err, &ae) {
		if ae.EquipmentID != "" && ae.Op != "" {
			return ae
		}
		cp := *ae
		if cp.EquipmentID == "" {
			cp.EquipmentID = equipmentID
		}
		if cp.Op == "" {
			cp.Op = op
		}
		return &cp
	}

	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden:
			return domain.NewAuthenticationError(equipmentID, op, err)
		case se.Code == http.StatusRequestTimeout || se.Code == http.StatusTooManyRequests || se.Code >= 500:
			return domain.NewTransientError(equipmentID, op, err)
		default:
			return domain.NewConfigurationError(equipmentID, op, err)
		}
	}

	if errors.Is(err, errLocalSessions) {
		return &domain.AdapterError{Category: domain.CategoryUnsupportedOperation, EquipmentID: equipmentID, Op: op, Err: err}
	}
	if errors.Is(err, errRejected) {
		return domain.NewAuthenticationError(equipmentID, op, err)
	}
	if errors.Is(err, domain.ErrTransientNetwork) {
		return domain.NewTransientError(equipmentID, op, err)
	}
	if isNetworkFault(err) {
		return domain.NewTransientError(equipmentID, op, err)
	}

	// unrecognised equipment faults are treated as retryable
	return domain.NewTransientError(equipmentID, op, err)
}

func isNetworkFault(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
